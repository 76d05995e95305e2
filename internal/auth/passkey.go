package auth

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

var (
	ErrNoCeremony    = errors.New("no passkey ceremony in progress")
	ErrNoCredentials = errors.New("user has no passkeys")
)

// webauthnUser adapts a User to the webauthn library interface.
type webauthnUser struct {
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.name) }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// PasskeyConfig is the relying party identity.
type PasskeyConfig struct {
	RPID          string
	RPDisplayName string
	Origins       []string
}

// Passkeys runs WebAuthn registration and login ceremonies against Users.
type Passkeys struct {
	wa    *webauthn.WebAuthn
	users *Users

	mu      sync.Mutex
	pending map[string]*webauthn.SessionData // "reg:"/"login:" + user
}

func NewPasskeys(users *Users, cfg PasskeyConfig) (*Passkeys, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn init: %w", err)
	}
	return &Passkeys{wa: wa, users: users, pending: map[string]*webauthn.SessionData{}}, nil
}

func (p *Passkeys) user(name string) (*webauthnUser, error) {
	usr, err := p.users.Get(name)
	if err != nil {
		return nil, err
	}
	return &webauthnUser{name: usr.Name, credentials: usr.Credentials}, nil
}

func (p *Passkeys) stash(key string, s *webauthn.SessionData) {
	p.mu.Lock()
	p.pending[key] = s
	p.mu.Unlock()
}

func (p *Passkeys) take(key string) (*webauthn.SessionData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	return s, ok
}

// BeginRegistration starts adding a passkey for an authenticated user.
func (p *Passkeys) BeginRegistration(name string) (*protocol.CredentialCreation, error) {
	wu, err := p.user(name)
	if err != nil {
		return nil, err
	}
	exclude := make([]protocol.CredentialDescriptor, 0, len(wu.credentials))
	for _, c := range wu.credentials {
		exclude = append(exclude, c.Descriptor())
	}
	options, session, err := p.wa.BeginRegistration(wu,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementDiscouraged),
		webauthn.WithExclusions(exclude),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	p.stash("reg:"+name, session)
	return options, nil
}

// FinishRegistration verifies the attestation in r and stores the credential.
func (p *Passkeys) FinishRegistration(name string, r *http.Request) error {
	session, ok := p.take("reg:" + name)
	if !ok {
		return ErrNoCeremony
	}
	wu, err := p.user(name)
	if err != nil {
		return err
	}
	cred, err := p.wa.FinishRegistration(wu, *session, r)
	if err != nil {
		return fmt.Errorf("finish registration: %w", err)
	}
	return p.users.PutCredential(name, *cred)
}

// BeginLogin starts a passkey login for name.
func (p *Passkeys) BeginLogin(name string) (*protocol.CredentialAssertion, error) {
	wu, err := p.user(name)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		return nil, ErrNoCredentials
	}
	options, session, err := p.wa.BeginLogin(wu)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	p.stash("login:"+name, session)
	return options, nil
}

// FinishLogin verifies the assertion in r. The credential's sign counter is
// persisted on success.
func (p *Passkeys) FinishLogin(name string, r *http.Request) error {
	session, ok := p.take("login:" + name)
	if !ok {
		return ErrNoCeremony
	}
	wu, err := p.user(name)
	if err != nil {
		return err
	}
	cred, err := p.wa.FinishLogin(wu, *session, r)
	if err != nil {
		return fmt.Errorf("finish login: %w", err)
	}
	return p.users.PutCredential(name, *cred)
}
