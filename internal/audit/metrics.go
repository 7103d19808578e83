// Copyright 2026 The OIDCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counters holds the OTel instruments an InstrumentedLogger increments
// alongside every Log call. A nil field is simply skipped, so a caller
// that only cares about one counter can leave the rest unset.
type Counters struct {
	TokenIssued       metric.Int64Counter
	TokenError        metric.Int64Counter
	SuspiciousRequest metric.Int64Counter
}

// InstrumentedLogger wraps a Logger, converting the event types the
// token endpoint core emits most often into OTel counters so an
// operator can alert on grant-failure or refresh-replay rate without
// parsing logs.
type InstrumentedLogger struct {
	next     Logger
	counters Counters
}

func NewInstrumentedLogger(next Logger, counters Counters) *InstrumentedLogger {
	return &InstrumentedLogger{next: next, counters: counters}
}

func (l *InstrumentedLogger) Log(ctx context.Context, event Event) {
	l.next.Log(ctx, event)

	var counter metric.Int64Counter
	switch event.Type {
	case TypeTokenIssued:
		counter = l.counters.TokenIssued
	case TypeTokenError:
		counter = l.counters.TokenError
	case TypeSuspiciousRequest:
		counter = l.counters.SuspiciousRequest
	}
	if counter == nil {
		return
	}

	var attrs []attribute.KeyValue
	if grantType, ok := event.Metadata[AttrGrantType].(string); ok {
		attrs = append(attrs, attribute.String(AttrGrantType, grantType))
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
