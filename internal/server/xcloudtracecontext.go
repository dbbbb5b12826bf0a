package server

import (
	"context"
	"github.com/blendle/zapdriver"
	"github.com/cirruslabs/webterm/internal/xcloudtracecontext"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"net/http"
)

// TraceContext extracts the trace context of a gRPC call.
func (ts *TerminalServer) TraceContext(ctx context.Context) []zap.Field {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}

	headers := md.Get(xcloudtracecontext.Header)
	if len(headers) != 1 {
		return nil
	}

	return ts.traceFields(headers[0])
}

// RequestTraceContext extracts the trace context of an HTTP request.
func (ts *TerminalServer) RequestTraceContext(request *http.Request) []zap.Field {
	return ts.traceFields(request.Header.Get(xcloudtracecontext.Header))
}

func (ts *TerminalServer) traceFields(header string) []zap.Field {
	if ts.gcpProjectID == "" {
		return nil
	}

	traceContext, ok := xcloudtracecontext.Parse(header)
	if !ok {
		return nil
	}

	return zapdriver.TraceContext(traceContext.TraceID, traceContext.SpanID, traceContext.Sampled,
		ts.gcpProjectID)
}
