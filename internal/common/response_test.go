package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPage(t *testing.T) {
	assert.Equal(t, Page{CurrentPage: 1, TotalPages: 0, Total: 0}, NewPage(1, 30, 0))
	assert.Equal(t, Page{CurrentPage: 2, TotalPages: 4, Total: 31}, NewPage(2, 10, 31))
	assert.Equal(t, 0, NewPage(1, 0, 5).TotalPages)
}

func TestNewULID_Monotonic(t *testing.T) {
	prev := MustULID()
	for i := 0; i < 100; i++ {
		next := MustULID()
		assert.Less(t, prev, next)
		prev = next
	}
}
