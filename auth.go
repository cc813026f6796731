// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// vncAuthSeparator sits between the account name and the encrypted challenge.
const vncAuthSeparator = 0xAA

// Credentials are supplied by the caller when the appliance requests auth.
type Credentials struct {
	Account  string
	Password string
}

// String returns the account with the password redacted.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Account: %q, Password: [redacted]}", c.Account)
}

// Authenticator answers the security challenge for one security type.
type Authenticator interface {
	SecurityType() SecurityType
	Respond(challenge []byte, creds Credentials) ([]byte, error)
	String() string
}

// EncodeVNCAuthResponse frames an encrypted challenge as
// {u32 LE length}{account}{0xAA}{16 bytes}, where length = 16+len(account)+1.
func EncodeVNCAuthResponse(account string, encrypted []byte) []byte {
	n := len(encrypted) + len(account) + 1
	b := make([]byte, 4, 4+n)
	binary.LittleEndian.PutUint32(b, uint32(n)) // #nosec G115 - bounded by account validation
	b = append(b, account...)
	b = append(b, vncAuthSeparator)
	return append(b, encrypted...)
}

// NoneAuth implements the "None" security type. No challenge is exchanged.
type NoneAuth struct {
	logger Logger
}

// SecurityType returns SecurityNone.
func (a *NoneAuth) SecurityType() SecurityType {
	return SecurityNone
}

// Respond returns an empty response.
func (a *NoneAuth) Respond(challenge []byte, creds Credentials) ([]byte, error) {
	if a.logger != nil {
		a.logger.Debug("None authentication requires no response")
	}
	return nil, nil
}

// String returns a human-readable description of the authentication method.
func (a *NoneAuth) String() string {
	return "None"
}

// SetLogger sets the logger for the authentication method.
func (a *NoneAuth) SetLogger(logger Logger) {
	a.logger = logger
}

// VNCAuth implements VncAuth (security type 2): a DES challenge response
// keyed by the first eight bytes of the password.
type VNCAuth struct {
	logger       Logger
	secureMemory *SecureMemory
}

// NewVNCAuth creates a VncAuth authenticator.
func NewVNCAuth() *VNCAuth {
	return &VNCAuth{secureMemory: &SecureMemory{}}
}

// SecurityType returns SecurityVNCAuth.
func (a *VNCAuth) SecurityType() SecurityType {
	return SecurityVNCAuth
}

// Respond encrypts challenge and frames the reply with the account name.
func (a *VNCAuth) Respond(challenge []byte, creds Credentials) ([]byte, error) {
	if len(challenge) != VNCChallengeSize {
		return nil, malformedError("VNCAuth.Respond",
			fmt.Sprintf("challenge must be %d bytes, got %d", VNCChallengeSize, len(challenge)), nil)
	}
	if err := newInputValidator().ValidateAccount(creds.Account); err != nil {
		return nil, err
	}

	if a.logger != nil && len(creds.Password) > VNCMaxPasswordLength {
		a.logger.Warn("Password exceeds maximum length, will be truncated for DES encryption",
			Field{Key: "password_length", Value: len(creds.Password)})
	}

	encrypted, err := newSecureDESCipher().EncryptVNCChallenge(creds.Password, challenge)
	if err != nil {
		return nil, authFailedError("VNCAuth.Respond", "failed to encrypt challenge", err)
	}
	if a.secureMemory == nil {
		a.secureMemory = &SecureMemory{}
	}
	defer a.secureMemory.ClearBytes(encrypted)

	if a.logger != nil {
		a.logger.Debug("Encrypted authentication challenge",
			Field{Key: "account", Value: creds.Account})
	}
	return EncodeVNCAuthResponse(creds.Account, encrypted), nil
}

// String returns a human-readable description of the authentication method.
func (a *VNCAuth) String() string {
	return "VncAuth"
}

// SetLogger sets the logger for the authentication method.
func (a *VNCAuth) SetLogger(logger Logger) {
	a.logger = logger
}

// CentralizeCipher encrypts a centralize challenge. The appliance vendor
// does not publish the cipher, so it is pluggable.
type CentralizeCipher interface {
	Encrypt(challenge []byte, creds Credentials) ([]byte, error)
}

// CentralizeCipherFunc adapts a function to CentralizeCipher.
type CentralizeCipherFunc func(challenge []byte, creds Credentials) ([]byte, error)

// Encrypt calls f.
func (f CentralizeCipherFunc) Encrypt(challenge []byte, creds Credentials) ([]byte, error) {
	return f(challenge, creds)
}

// DESCentralizeCipher reuses the VncAuth DES transform.
type DESCentralizeCipher struct{}

// Encrypt encrypts challenge with the password derived DES key.
func (DESCentralizeCipher) Encrypt(challenge []byte, creds Credentials) ([]byte, error) {
	return newSecureDESCipher().EncryptVNCChallenge(creds.Password, challenge)
}

// CentralizeAuth implements CentralizeAuth (security type 20). The account
// block is sent with the security selection and the challenge is answered in
// the same frame layout as VncAuth.
type CentralizeAuth struct {
	Cipher CentralizeCipher
	logger Logger
}

// NewCentralizeAuth creates a CentralizeAuth authenticator using cipher, or
// the DES cipher when cipher is nil.
func NewCentralizeAuth(cipher CentralizeCipher) *CentralizeAuth {
	if cipher == nil {
		cipher = DESCentralizeCipher{}
	}
	return &CentralizeAuth{Cipher: cipher}
}

// SecurityType returns SecurityCentralize.
func (a *CentralizeAuth) SecurityType() SecurityType {
	return SecurityCentralize
}

// Respond encrypts challenge with the configured cipher.
func (a *CentralizeAuth) Respond(challenge []byte, creds Credentials) ([]byte, error) {
	if len(challenge) != VNCChallengeSize {
		return nil, malformedError("CentralizeAuth.Respond",
			fmt.Sprintf("challenge must be %d bytes, got %d", VNCChallengeSize, len(challenge)), nil)
	}
	if err := newInputValidator().ValidateAccount(creds.Account); err != nil {
		return nil, err
	}

	cipher := a.Cipher
	if cipher == nil {
		cipher = DESCentralizeCipher{}
	}
	encrypted, err := cipher.Encrypt(challenge, creds)
	if err != nil {
		return nil, authFailedError("CentralizeAuth.Respond", "failed to encrypt challenge", err)
	}

	if a.logger != nil {
		a.logger.Debug("Encrypted centralize challenge",
			Field{Key: "account", Value: creds.Account})
	}
	return EncodeVNCAuthResponse(creds.Account, encrypted), nil
}

// String returns a human-readable description of the authentication method.
func (a *CentralizeAuth) String() string {
	return "CentralizeAuth"
}

// SetLogger sets the logger for the authentication method.
func (a *CentralizeAuth) SetLogger(logger Logger) {
	a.logger = logger
}

// RSAAuth implements the Rsa security type. The appliance sends a 16-byte
// key and the client answers with an empty response.
type RSAAuth struct{}

// SecurityType returns SecurityRSA.
func (a *RSAAuth) SecurityType() SecurityType {
	return SecurityRSA
}

// Respond validates the key length and returns an empty response.
func (a *RSAAuth) Respond(challenge []byte, creds Credentials) ([]byte, error) {
	if len(challenge) != SecurityChallengeLength {
		return nil, malformedError("RSAAuth.Respond",
			fmt.Sprintf("key must be %d bytes, got %d", SecurityChallengeLength, len(challenge)), nil)
	}
	return []byte{}, nil
}

// String returns a human-readable description of the authentication method.
func (a *RSAAuth) String() string {
	return "Rsa"
}

// AuthFactory is a function type that creates new instances of authentication methods.
type AuthFactory func() Authenticator

// AuthRegistry manages available authentication methods.
type AuthRegistry struct {
	factories map[SecurityType]AuthFactory
	mu        sync.RWMutex
	logger    Logger
}

// NewAuthRegistry creates a registry with None, VncAuth, CentralizeAuth and
// Rsa registered.
func NewAuthRegistry() *AuthRegistry {
	registry := &AuthRegistry{
		factories: make(map[SecurityType]AuthFactory),
		logger:    &NoOpLogger{},
	}

	registry.Register(SecurityNone, func() Authenticator {
		return &NoneAuth{}
	})

	registry.Register(SecurityVNCAuth, func() Authenticator {
		return NewVNCAuth()
	})

	registry.Register(SecurityCentralize, func() Authenticator {
		return NewCentralizeAuth(nil)
	})

	registry.Register(SecurityRSA, func() Authenticator {
		return &RSAAuth{}
	})

	return registry
}

// Register adds an authentication method factory to the registry.
func (r *AuthRegistry) Register(securityType SecurityType, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("Registering authentication method",
			Field{Key: "security_type", Value: securityType})
	}

	r.factories[securityType] = factory
}

// Unregister removes an authentication method from the registry.
func (r *AuthRegistry) Unregister(securityType SecurityType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[securityType]; exists {
		delete(r.factories, securityType)

		if r.logger != nil {
			r.logger.Debug("Unregistered authentication method",
				Field{Key: "security_type", Value: securityType})
		}

		return true
	}

	return false
}

// CreateAuth creates a new instance of the authentication method for the given security type.
func (r *AuthRegistry) CreateAuth(securityType SecurityType) (Authenticator, error) {
	r.mu.RLock()
	factory, exists := r.factories[securityType]
	logger := r.logger
	r.mu.RUnlock()

	if !exists {
		if logger != nil {
			logger.Warn("Unsupported authentication method requested",
				Field{Key: "security_type", Value: securityType})
		}
		return nil, unsupportedError("AuthRegistry.CreateAuth",
			fmt.Sprintf("unsupported security type: %s", securityType), nil)
	}

	auth := factory()
	if withLogger, ok := auth.(interface{ SetLogger(Logger) }); ok && logger != nil {
		withLogger.SetLogger(logger)
	}

	if logger != nil {
		logger.Debug("Created authentication method instance",
			Field{Key: "security_type", Value: securityType},
			Field{Key: "method", Value: auth.String()})
	}

	return auth, nil
}

// GetSupportedTypes returns the registered security types in ascending order.
func (r *AuthRegistry) GetSupportedTypes() []SecurityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]SecurityType, 0, len(r.factories))
	for securityType := range r.factories {
		types = append(types, securityType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// IsSupported checks if a security type is supported by the registry.
func (r *AuthRegistry) IsSupported(securityType SecurityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[securityType]
	return exists
}

// SetLogger sets the logger for the authentication registry.
func (r *AuthRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = logger
}

// SelectOffered picks the security type to use from offer. None wins when
// offered. Otherwise VncAuth is preferred over CentralizeAuth. Only
// registered types are considered.
func (r *AuthRegistry) SelectOffered(offer SecurityOffer) (SecurityType, error) {
	for _, preferred := range []SecurityType{SecurityNone, SecurityVNCAuth, SecurityCentralize} {
		if offer.Contains(preferred) && r.IsSupported(preferred) {
			return preferred, nil
		}
	}

	return SecurityInvalid, unsupportedError("AuthRegistry.SelectOffered",
		fmt.Sprintf("no mutual authentication method found. server: %v, client: %v", offer.Types, r.GetSupportedTypes()), nil)
}
