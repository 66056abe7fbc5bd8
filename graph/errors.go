/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import "github.com/pkg/errors"

var (
	// ErrTypeMismatch is returned when a graph mutation would bind a
	// Variable of an incompatible static type. It is always fatal to the
	// mutation attempt, never silently coerced.
	ErrTypeMismatch = errors.New("incompatible variable types")

	// ErrCycle is returned when a mutation would introduce a cycle in the
	// graph.
	ErrCycle = errors.New("replacement would introduce a cycle")

	// ErrMissingInput is returned when a node references a variable that is
	// neither produced by an apply in the graph, nor a declared input, nor
	// a constant.
	ErrMissingInput = errors.New("undeclared graph input")

	// ErrNotDifferentiable is returned when a gradient is requested for an
	// op that does not define a gradient rule.
	ErrNotDifferentiable = errors.New("op is not differentiable")

	// ErrFrozen is returned when mutating a graph frozen for compilation.
	ErrFrozen = errors.New("graph is frozen for compilation")
)
