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

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oidcgate/oidcgate/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter wires the token endpoint behind the same middleware stack
// the teacher used for every HTTP surface it exposed, trimmed to what a
// stateless, per-request-authenticated endpoint needs: no session or
// tenant middleware, since the token endpoint has no cookie-based
// identity.
func NewRouter(token *TokenHandler, rl *RateLimiter, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.ReadTimeout))
	r.Use(LoggingMiddleware())
	r.Use(RateLimitMiddleware(rl))

	r.Handle("/token", otelhttp.NewHandler(token, "token.exchange"))

	return r
}
