package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "no values", input: nil, expected: nil},
		{name: "only separators", input: []string{" , ,"}, expected: nil},
		{name: "single value", input: []string{"k1:9092"}, expected: []string{"k1:9092"}},
		{name: "trims parts", input: []string{" k1:9092 , k2:9092,"}, expected: []string{"k1:9092", "k2:9092"}},
		{name: "dedupes across values", input: []string{"a,b", "b", "c,a"}, expected: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input...))
		})
	}
}

func TestSplitListUpper(t *testing.T) {
	assert.Equal(t, []string{"LOGIN", "LOGIN_FAILED"}, SplitListUpper("login, LOGIN", "Login_Failed"))
	assert.Nil(t, SplitListUpper(""))
}
