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

package oauth2

import (
	"context"
	"fmt"
	"strings"

	"github.com/oidcgate/oidcgate/internal/audit"
)

// PolicyGate wraps the deployment-specific PolicyEngine, building the
// evaluation context spec.md §4.4 describes and translating a failing
// decision into the invalid_grant error every grant branch expects.
type PolicyGate struct {
	engine PolicyEngine
	events audit.Logger
}

// NewPolicyGate constructs a PolicyGate. A nil engine makes Check
// always pass — policy gating is an optional collaborator.
func NewPolicyGate(engine PolicyEngine, events audit.Logger) *PolicyGate {
	return &PolicyGate{engine: engine, events: events}
}

// Check evaluates app/user against the policy engine using evalCtx,
// the grant- or assertion-specific facts the caller assembled (spec.md
// §4.4's context keys: oauth_scopes, oauth_grant_type,
// oauth_code_verifier, oauth_jwt).
func (g *PolicyGate) Check(ctx context.Context, app *Application, user *User, evalCtx map[string]any) error {
	if g.engine == nil {
		return nil
	}

	passing, reasons, err := g.engine.Evaluate(ctx, app, user, evalCtx)
	if err != nil {
		return NewTokenError(ErrServerError, "policy evaluation failed")
	}
	if !passing {
		g.events.Log(ctx, audit.Event{
			Type:     audit.TypeTokenError,
			Resource: audit.ResourceUser,
			Metadata: map[string]any{
				"reason":      "policy denied",
				"policy_why":  strings.Join(reasons, "; "),
				"application": app.ID,
			},
		})
		return NewTokenError(ErrInvalidGrant, fmt.Sprintf("policy denied: %s", strings.Join(reasons, "; ")))
	}
	return nil
}
