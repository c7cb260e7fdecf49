// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"testing"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
)

func TestAuthenticator_Disabled(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{Enabled: false})

	// Com auth desabilitado, qualquer token (inclusive vazio) passa
	if !a.Verify("") {
		t.Error("expected empty token to pass with auth disabled")
	}
	if !a.Verify("whatever") {
		t.Error("expected arbitrary token to pass with auth disabled")
	}
	if a.Enabled() {
		t.Error("Enabled() = true, want false")
	}
}

func TestAuthenticator_Enabled(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{Enabled: true, Token: "s3cret"})

	if !a.Verify("s3cret") {
		t.Error("expected correct token to pass")
	}
	if a.Verify("wrong") {
		t.Error("expected wrong token to fail")
	}
	if a.Verify("") {
		t.Error("expected empty token to fail")
	}
	// Prefixo do token não é suficiente
	if a.Verify("s3cre") {
		t.Error("expected truncated token to fail")
	}
	if a.Verify("s3cretX") {
		t.Error("expected extended token to fail")
	}
	if !a.Enabled() {
		t.Error("Enabled() = false, want true")
	}
}
