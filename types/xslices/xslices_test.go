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

package xslices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIota(t *testing.T) {
	require.Equal(t, []int64{3, 4, 5}, Iota(int64(3), 3))
	require.Equal(t, []float32{0, 1}, Iota(float32(0), 2))
	require.Empty(t, Iota(0, 0))
}

func TestLast(t *testing.T) {
	require.Equal(t, 7, Last([]int{1, 3, 7}))
	require.Equal(t, "a", Last([]string{"a"}))
}

func TestMap(t *testing.T) {
	doubled := Map([]int{1, 2, 3}, func(e int) int { return 2 * e })
	require.Equal(t, []int{2, 4, 6}, doubled)
	lengths := Map([]string{"", "ab"}, func(e string) int { return len(e) })
	require.Equal(t, []int{0, 2}, lengths)
}

func TestKeys(t *testing.T) {
	keys := Keys(map[string]int{"a": 1, "b": 2})
	require.ElementsMatch(t, []string{"a", "b"}, keys)
	require.Empty(t, Keys(map[int]int{}))
}

func TestReverse(t *testing.T) {
	s := []int{1, 2, 3, 4}
	Reverse(s)
	require.Equal(t, []int{4, 3, 2, 1}, s)

	odd := []string{"x", "y", "z"}
	Reverse(odd)
	require.Equal(t, []string{"z", "y", "x"}, odd)
}
