package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/willemschots/chatwidget/internal/audit"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/errorz"
	"github.com/willemschots/chatwidget/internal/krypto"
)

// Email templates sent by the service.
const (
	TemplateVerifyEmail   = "verify-email"
	TemplateWelcome       = "welcome"
	TemplatePasswordReset = "password-reset"
)

// Emailer is used to send templated emails.
type Emailer interface {
	Send(ctx context.Context, template string, to email.Address, data any) error
}

// Recorder is used to record audit events.
type Recorder interface {
	Record(ctx context.Context, e audit.Event) error
}

// ErrFunc is a function that handles errors.
type ErrFunc func(error)

// ServiceConfig is the configuration for the Service.
type ServiceConfig struct {
	// WorkerTimeout is the max duration a single notification attempt
	// is allowed to take before it is cancelled.
	WorkerTimeout time.Duration
	// NotifyAttempts is the number of times a notification is attempted.
	NotifyAttempts int
	// NotifyBackoff is the initial delay between notification attempts,
	// it doubles after every attempt.
	NotifyBackoff time.Duration
	Tokens        TokenLifetimes
	Passwords     PasswordPolicy
	// BetaCap is the max number of accounts. Zero means no cap.
	BetaCap int
}

// Service is the type that provides the main rules for
// the account lifecycle.
type Service struct {
	store      Store
	emailer    Emailer
	recorder   Recorder
	wg         *sync.WaitGroup
	errHandler ErrFunc
	cfg        ServiceConfig

	// comparisonHash is used to compare passwords when no account was found.
	comparisonHash PasswordHash

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewService(s Store, emailer Emailer, recorder Recorder, errHandler ErrFunc, cfg ServiceConfig) (*Service, error) {
	tok, err := krypto.GenerateToken()
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(Password{plain: []byte(tok.String())})
	if err != nil {
		return nil, err
	}

	defaults := DefaultTokenLifetimes()
	if cfg.Tokens.Session <= 0 {
		cfg.Tokens.Session = defaults.Session
	}

	if cfg.Tokens.Action <= 0 {
		cfg.Tokens.Action = defaults.Action
	}

	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 10 * time.Second
	}

	if cfg.NotifyAttempts < 1 {
		cfg.NotifyAttempts = 1
	}

	if cfg.NotifyBackoff <= 0 {
		cfg.NotifyBackoff = time.Second
	}

	svc := &Service{
		store:          s,
		emailer:        emailer,
		recorder:       recorder,
		wg:             &sync.WaitGroup{},
		errHandler:     errHandler,
		cfg:            cfg,
		comparisonHash: hash,
		NowFunc:        time.Now,
	}

	return svc, nil
}

// Wait waits for all in-flight notifications to finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RegisterInput is the input for Register. Password is optional,
// ConfirmPassword is only checked when it is provided.
type RegisterInput struct {
	Email           string
	FirstName       string
	LastName        string
	Password        string
	ConfirmPassword string
}

// RegisterResult describes a newly registered account.
type RegisterResult struct {
	AccountID         uuid.UUID
	Email             email.Address
	NeedsVerification bool
}

// Register creates a new unverified account and sends a verification email.
// A failing email or audit sink never fails the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	addr, err := parseEmail(in.Email)
	if err != nil {
		return RegisterResult{}, err
	}

	var pwdHash PasswordHash
	if in.Password != "" {
		pwdHash, err = s.newPasswordHash(in.Password, in.ConfirmPassword)
		if err != nil {
			return RegisterResult{}, err
		}
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return RegisterResult{}, newError(ReasonInternal, err)
	}

	now := s.NowFunc()
	verification, err := s.cfg.Tokens.Issue(ActionToken, now)
	if err != nil {
		return RegisterResult{}, newError(ReasonInternal, err)
	}

	acc := Account{
		ID:           id,
		Email:        addr,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: pwdHash,
		Verification: verification.State(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		_, txErr := tx.FindAccountByEmail(addr)
		if txErr == nil {
			return newError(ReasonEmailExists, nil)
		}

		if !errors.Is(txErr, errorz.ErrNotFound) {
			return txErr
		}

		if s.cfg.BetaCap > 0 {
			n, txErr := tx.CountAccounts()
			if txErr != nil {
				return txErr
			}

			if n >= s.cfg.BetaCap {
				return newError(ReasonBetaFull, nil)
			}
		}

		txErr = tx.CreateAccount(&acc)
		if errors.Is(txErr, errorz.ErrConstraintViolated) {
			// Lost a race with a concurrent registration.
			return newError(ReasonEmailExists, txErr)
		}

		return txErr
	})
	if err != nil {
		return RegisterResult{}, AsError(err)
	}

	s.sendEmail(TemplateVerifyEmail, acc, verification.Token)
	s.record(audit.AccountRegistered, acc, map[string]string{
		"hasPassword": fmt.Sprint(acc.HasPassword()),
	})

	return RegisterResult{
		AccountID:         acc.ID,
		Email:             acc.Email,
		NeedsVerification: true,
	}, nil
}

// Session is a session token handed to a client.
type Session struct {
	Token     krypto.Token
	ExpiresAt time.Time
	// AlreadyVerified is set when VerifyEmail is called for a verified account.
	AlreadyVerified bool
}

// VerifyEmail consumes the verification token of an account and issues a session.
// Verifying an already verified account issues a new session without checking
// the token, so repeated clicks on the same link keep working.
func (s *Service) VerifyEmail(ctx context.Context, rawEmail, rawToken string) (Session, error) {
	addr, err := parseEmail(rawEmail)
	if err != nil {
		return Session{}, err
	}

	var (
		acc  Account
		sess IssuedToken
	)

	alreadyVerified := false
	err = s.inTx(ctx, func(tx Tx) error {
		a, txErr := findAccount(tx, addr, ReasonUserNotFound)
		if txErr != nil {
			return txErr
		}

		now := s.NowFunc()
		if a.EmailVerified {
			alreadyVerified = true
		} else {
			tok, txErr := krypto.ParseToken(rawToken)
			if txErr != nil {
				return newError(ReasonInvalidToken, txErr)
			}

			if r := a.Verification.check(tok, now); r != "" {
				return newError(r, nil)
			}

			a.EmailVerified = true
			a.Verification = TokenState{}
		}

		sess, txErr = s.cfg.Tokens.Issue(SessionToken, now)
		if txErr != nil {
			return txErr
		}

		a.Session = sess.State()
		a.UpdatedAt = now

		txErr = tx.UpdateAccount(&a)
		if txErr != nil {
			return txErr
		}

		acc = a
		return nil
	})
	if err != nil {
		return Session{}, AsError(err)
	}

	if !alreadyVerified {
		s.sendEmail(TemplateWelcome, acc, krypto.Token{})
		s.record(audit.EmailVerified, acc, nil)
	}

	return Session{
		Token:           sess.Token,
		ExpiresAt:       sess.ExpiresAt,
		AlreadyVerified: alreadyVerified,
	}, nil
}

// ResendVerification replaces the verification token of an unverified account
// and sends it again. The previous token stops working immediately.
func (s *Service) ResendVerification(ctx context.Context, rawEmail string) error {
	addr, err := parseEmail(rawEmail)
	if err != nil {
		return err
	}

	var (
		acc          Account
		verification IssuedToken
	)

	err = s.inTx(ctx, func(tx Tx) error {
		a, txErr := findAccount(tx, addr, ReasonUserNotFound)
		if txErr != nil {
			return txErr
		}

		if a.EmailVerified {
			return newError(ReasonAlreadyVerified, nil)
		}

		now := s.NowFunc()
		verification, txErr = s.cfg.Tokens.Issue(ActionToken, now)
		if txErr != nil {
			return txErr
		}

		a.Verification = verification.State()
		a.UpdatedAt = now

		txErr = tx.UpdateAccount(&a)
		if txErr != nil {
			return txErr
		}

		acc = a
		return nil
	})
	if err != nil {
		return AsError(err)
	}

	s.sendEmail(TemplateVerifyEmail, acc, verification.Token)
	s.record(audit.VerificationResent, acc, nil)

	return nil
}

// LoginInput is the input for Login.
type LoginInput struct {
	Email    string
	Password string
}

// Login issues a new session for a verified account. Accounts without
// a password hash can log in with only their email address.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	addr, err := parseEmail(in.Email)
	if err != nil {
		return Session{}, err
	}

	acc, err := s.store.FindAccountByEmail(ctx, addr)
	if errors.Is(err, errorz.ErrNotFound) {
		// Compare against a hash anyway to keep timing similar
		// to the case where the account exists.
		if pwd, pErr := ParsePassword(in.Password); pErr == nil {
			_ = VerifyPassword(pwd, s.comparisonHash)
		}
		return Session{}, newError(ReasonUserNotFound, err)
	}

	if err != nil {
		return Session{}, AsError(err)
	}

	if !acc.EmailVerified {
		return Session{}, newError(ReasonEmailNotVerified, nil)
	}

	if acc.HasPassword() {
		if in.Password == "" {
			return Session{}, newError(ReasonPasswordRequired, nil)
		}

		pwd, err := ParsePassword(in.Password)
		if err != nil || !VerifyPassword(pwd, acc.PasswordHash) {
			return Session{}, invalidCredentials(err)
		}
	}

	var sess IssuedToken
	err = s.inTx(ctx, func(tx Tx) error {
		a, txErr := findAccount(tx, addr, ReasonUserNotFound)
		if txErr != nil {
			return txErr
		}

		// The password was checked outside the transaction.
		if a.PasswordHash != acc.PasswordHash {
			return invalidCredentials(nil)
		}

		now := s.NowFunc()
		sess, txErr = s.cfg.Tokens.Issue(SessionToken, now)
		if txErr != nil {
			return txErr
		}

		a.Session = sess.State()
		a.UpdatedAt = now

		txErr = tx.UpdateAccount(&a)
		if txErr != nil {
			return txErr
		}

		acc = a
		return nil
	})
	if err != nil {
		return Session{}, AsError(err)
	}

	s.record(audit.LoggedIn, acc, nil)

	return Session{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// ResetTicket is an issued password reset token.
type ResetTicket struct {
	Token     krypto.Token
	ExpiresAt time.Time
}

// RequestPasswordReset issues a password reset token, replacing any earlier
// reset token, and emails it to the account.
func (s *Service) RequestPasswordReset(ctx context.Context, rawEmail string) (ResetTicket, error) {
	addr, err := parseEmail(rawEmail)
	if err != nil {
		return ResetTicket{}, err
	}

	var (
		acc   Account
		reset IssuedToken
	)

	err = s.inTx(ctx, func(tx Tx) error {
		a, txErr := findAccount(tx, addr, ReasonUserNotFound)
		if txErr != nil {
			return txErr
		}

		now := s.NowFunc()
		reset, txErr = s.cfg.Tokens.Issue(ActionToken, now)
		if txErr != nil {
			return txErr
		}

		a.PasswordReset = reset.State()
		a.UpdatedAt = now

		txErr = tx.UpdateAccount(&a)
		if txErr != nil {
			return txErr
		}

		acc = a
		return nil
	})
	if err != nil {
		return ResetTicket{}, AsError(err)
	}

	s.sendEmail(TemplatePasswordReset, acc, reset.Token)
	s.record(audit.PasswordResetRequest, acc, nil)

	return ResetTicket{
		Token:     reset.Token,
		ExpiresAt: reset.ExpiresAt,
	}, nil
}

// CompleteResetInput is the input for CompletePasswordReset.
// ConfirmPassword is only checked when it is provided.
type CompleteResetInput struct {
	Email           string
	Token           string
	NewPassword     string
	ConfirmPassword string
}

// CompletePasswordReset consumes a reset token and replaces the password.
// Verification and session state are left untouched.
func (s *Service) CompletePasswordReset(ctx context.Context, in CompleteResetInput) error {
	addr, err := parseEmail(in.Email)
	if err != nil {
		return err
	}

	tok, err := krypto.ParseToken(in.Token)
	if err != nil {
		return newError(ReasonInvalidToken, err)
	}

	pwdHash, err := s.newPasswordHash(in.NewPassword, in.ConfirmPassword)
	if err != nil {
		return err
	}

	var acc Account
	err = s.inTx(ctx, func(tx Tx) error {
		// A missing account is reported like a bad token.
		a, txErr := findAccount(tx, addr, ReasonInvalidToken)
		if txErr != nil {
			return txErr
		}

		now := s.NowFunc()
		if r := a.PasswordReset.check(tok, now); r != "" {
			return newError(r, nil)
		}

		a.PasswordHash = pwdHash
		a.PasswordReset = TokenState{}
		a.UpdatedAt = now

		txErr = tx.UpdateAccount(&a)
		if txErr != nil {
			return txErr
		}

		acc = a
		return nil
	})
	if err != nil {
		return AsError(err)
	}

	s.record(audit.PasswordResetDone, acc, nil)

	return nil
}

// ValidateSession returns the account when the session token matches
// and has not expired.
func (s *Service) ValidateSession(ctx context.Context, rawEmail, rawToken string) (Account, error) {
	addr, err := parseEmail(rawEmail)
	if err != nil {
		return Account{}, err
	}

	tok, err := krypto.ParseToken(rawToken)
	if err != nil {
		return Account{}, newError(ReasonInvalidToken, err)
	}

	acc, err := s.store.FindAccountByEmail(ctx, addr)
	if errors.Is(err, errorz.ErrNotFound) {
		return Account{}, newError(ReasonInvalidToken, err)
	}

	if err != nil {
		return Account{}, AsError(err)
	}

	if r := acc.Session.check(tok, s.NowFunc()); r != "" {
		return Account{}, newError(r, nil)
	}

	return acc, nil
}

// Mode selects the operation of the combined auth endpoint.
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
)

// AuthRequest is the input of the combined login and registration endpoint.
type AuthRequest struct {
	Mode            Mode
	Email           string
	FirstName       string
	LastName        string
	Password        string
	ConfirmPassword string
}

// AuthResult holds the result of the operation selected by the mode,
// exactly one of the fields is set.
type AuthResult struct {
	Registration *RegisterResult
	Session      *Session
}

// Authenticate dispatches the request to Login or Register.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error) {
	switch req.Mode {
	case ModeLogin:
		sess, err := s.Login(ctx, LoginInput{
			Email:    req.Email,
			Password: req.Password,
		})
		if err != nil {
			return AuthResult{}, err
		}
		return AuthResult{Session: &sess}, nil
	case ModeRegister:
		res, err := s.Register(ctx, RegisterInput{
			Email:           req.Email,
			FirstName:       req.FirstName,
			LastName:        req.LastName,
			Password:        req.Password,
			ConfirmPassword: req.ConfirmPassword,
		})
		if err != nil {
			return AuthResult{}, err
		}
		return AuthResult{Registration: &res}, nil
	default:
		return AuthResult{}, newError(ReasonInvalidMode, fmt.Errorf("mode %q", req.Mode))
	}
}

// newPasswordHash validates a new password against the policy and hashes it.
func (s *Service) newPasswordHash(pwd, confirmation string) (PasswordHash, error) {
	p, err := s.cfg.Passwords.Parse(pwd)
	if err != nil {
		return "", newError(ReasonInvalidPassword, err).withMessage(err.Error())
	}

	if confirmation != "" {
		err = ConfirmPassword(pwd, confirmation)
		if err != nil {
			return "", newError(ReasonPasswordMismatch, err)
		}
	}

	h, err := HashPassword(p)
	if err != nil {
		return "", newError(ReasonInternal, err)
	}

	return h, nil
}

func (s *Service) sendEmail(template string, acc Account, tok krypto.Token) {
	data := map[string]any{
		"FirstName": acc.FirstName,
		"LastName":  acc.LastName,
	}

	if tok != (krypto.Token{}) {
		data["Token"] = tok.String()
	}

	s.notify("email "+template, func(ctx context.Context) error {
		return s.emailer.Send(ctx, template, acc.Email, data)
	})
}

func (s *Service) record(eventType string, acc Account, meta map[string]string) {
	e := audit.Event{
		Type:      eventType,
		AccountID: acc.ID,
		Email:     acc.Email,
		At:        s.NowFunc(),
		Meta:      meta,
	}

	s.notify("audit "+eventType, func(ctx context.Context) error {
		return s.recorder.Record(ctx, e)
	})
}

// notify runs f in a separate goroutine, so that slow or failing
// collaborators don't affect the outcome of an operation. Failed attempts
// are retried with exponential backoff unless they are permanent, the
// final error is passed to the error handler.
func (s *Service) notify(name string, f func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		b := retry.WithMaxRetries(uint64(s.cfg.NotifyAttempts-1), retry.NewExponential(s.cfg.NotifyBackoff))
		err := retry.Do(context.Background(), b, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.WorkerTimeout)
			defer cancel()

			err := f(attemptCtx)
			if err == nil || errors.Is(err, errorz.ErrPermanent) {
				return err
			}
			return retry.RetryableError(err)
		})
		if err != nil {
			s.errHandler(fmt.Errorf("%s failed: %w", name, err))
		}
	}()
}

func (s *Service) inTx(ctx context.Context, f func(tx Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		rBackErr := tx.Rollback()
		if rBackErr != nil {
			err = errors.Join(err, rBackErr)
		}
		return err
	}

	return tx.Commit()
}

func findAccount(tx Tx, addr email.Address, notFound Reason) (Account, error) {
	a, err := tx.FindAccountByEmail(addr)
	if errors.Is(err, errorz.ErrNotFound) {
		return Account{}, newError(notFound, err)
	}
	return a, err
}

func parseEmail(raw string) (email.Address, error) {
	addr, err := email.ParseAddress(raw)
	if err != nil {
		return "", newError(ReasonInvalidEmail, err)
	}
	return addr, nil
}

func invalidCredentials(err error) *Error {
	return newError(ReasonInvalidPassword, err).
		withKind(KindUnauthorized).
		withMessage("Invalid email or password.")
}
