// Copyright 2016 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// nolint:lll
// https://github.com/googleapis/google-cloud-go/blob/bc93c1f0180801c5c69ef0629721a6f413c0bc9c/logging/logging.go#L774-L801

package xcloudtracecontext

import "regexp"

// Header is the name of the header (or gRPC metadata key) carrying the trace context.
const Header = "X-Cloud-Trace-Context"

var reCloudTraceContext = regexp.MustCompile(
	// Matches on "TRACE_ID"
	`^([a-f\d]+)?` +
		// Matches on "/SPAN_ID"
		`(?:/([a-f\d]+))?` +
		// Matches on ";o=TRACE_TRUE"
		`(?:;o=(\d))?`)

type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// Parse deconstructs "TRACE_ID/SPAN_ID;o=TRACE_TRUE", as described at
// https://cloud.google.com/trace/docs/setup#force-trace. All parts are optional,
// but a context without a trace ID is reported as absent. Span "0" means no span.
func Parse(value string) (TraceContext, bool) {
	matches := reCloudTraceContext.FindStringSubmatch(value)
	if matches == nil || matches[1] == "" {
		return TraceContext{}, false
	}

	traceContext := TraceContext{
		TraceID: matches[1],
		SpanID:  matches[2],
		Sampled: matches[3] == "1",
	}

	if traceContext.SpanID == "0" {
		traceContext.SpanID = ""
	}

	return traceContext, true
}
