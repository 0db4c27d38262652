/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/microsoft/dapclient/pkg/dap"

const (
	attrSessionID = attribute.Key("dap.session.id")
	attrCommand   = attribute.Key("dap.command")
	attrSeq       = attribute.Key("dap.seq")
	attrRequest   = attribute.Key("dap.request")
)

// callWithTelemetry runs fn inside a span. Failures are recorded on the span;
// request timeouts and cancellations are recorded as events rather than span errors.
func callWithTelemetry[T any](ctx context.Context, tracer trace.Tracer, spanName string, fn func(ctx context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	spanCtx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	result, err := fn(spanCtx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, ErrRequestCancelled), errors.Is(err, context.Canceled):
		span.AddEvent("abandoned", trace.WithAttributes(attribute.String("reason", err.Error())))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}
