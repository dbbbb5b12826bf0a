package xcloudtracecontext_test

import (
	"github.com/cirruslabs/webterm/internal/xcloudtracecontext"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestParse(t *testing.T) {
	var testCases = []struct {
		Name     string
		Value    string
		Expected xcloudtracecontext.TraceContext
		Present  bool
	}{
		{
			Name:  "full",
			Value: "105445aa7843bc8bf206b120001000/1;o=1",
			Expected: xcloudtracecontext.TraceContext{
				TraceID: "105445aa7843bc8bf206b120001000",
				SpanID:  "1",
				Sampled: true,
			},
			Present: true,
		},
		{
			Name:     "trace only",
			Value:    "105445aa7843bc8bf206b120001000",
			Expected: xcloudtracecontext.TraceContext{TraceID: "105445aa7843bc8bf206b120001000"},
			Present:  true,
		},
		{
			Name:     "zero span",
			Value:    "abc/0;o=0",
			Expected: xcloudtracecontext.TraceContext{TraceID: "abc"},
			Present:  true,
		},
		{
			Name:  "empty",
			Value: "",
		},
		{
			Name:  "span without trace",
			Value: "/1;o=1",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			traceContext, present := xcloudtracecontext.Parse(testCase.Value)

			assert.Equal(t, testCase.Present, present)
			assert.Equal(t, testCase.Expected, traceContext)
		})
	}
}
