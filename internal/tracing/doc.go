// Copyright 2025 Tom Barlow
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

/*
Package tracing carries a request's correlation ID and W3C trace context
across the control plane's HTTP boundary (spec §6). It does not export
spans anywhere: trace_context on the step envelope (pkg/workflow) is
propagated, not recorded, per spec.md §1's non-goals.

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

CorrelationMiddleware assigns or validates an X-Correlation-ID per request;
HTTPMiddleware/TracingMiddleware extract and start a W3C trace context span
via the global OpenTelemetry TracerProvider, whatever that's configured to
be (a no-op by default). pkg/httpclient's outbound transport reads the
correlation ID back out of context with FromContextOrEmpty to forward it
downstream.
*/
package tracing
