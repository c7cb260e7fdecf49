// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"crypto/subtle"

	"github.com/Bobsans/VibeMQ-sub000/internal/config"
)

// Authenticator valida o token apresentado no handshake Connect.
// Com auth desabilitado, qualquer Connect é aceito.
type Authenticator struct {
	enabled bool
	token   []byte
}

// NewAuthenticator cria o authenticator a partir da config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		enabled: cfg.Enabled,
		token:   []byte(cfg.Token),
	}
}

// Verify compara o token em tempo constante. Tokens de tamanhos diferentes
// retornam false imediatamente (o tamanho não é segredo).
func (a *Authenticator) Verify(token string) bool {
	if !a.enabled {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), a.token) == 1
}

// Enabled reporta se a verificação de token está ativa.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}
