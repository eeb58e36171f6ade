package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var ErrVerificationFailed = errors.New("phone verification failed")

const (
	codeDigits  = 6
	maxAttempts = 5
)

// PhoneVerifier confirms that the caller controls phone.
type PhoneVerifier interface {
	Verify(ctx context.Context, phone, code string) error
}

// CodeSender delivers a one-time code to a phone.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogSender writes codes to the log instead of sending them.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) SendCode(_ context.Context, phone, code string) error {
	s.Log.Info("verification code issued", zap.String("phone", phone), zap.String("code", code))
	return nil
}

type pendingCode struct {
	hash     []byte
	expires  time.Time
	attempts int
}

// Codes issues one-time codes and verifies them. Only bcrypt hashes of
// outstanding codes are held.
type Codes struct {
	mu      sync.Mutex
	pending map[string]*pendingCode
	sender  CodeSender
	ttl     time.Duration
	devCode string
	nowFn   func() time.Time

	sweepOnce sync.Once
}

// NewCodes builds a verifier. A non-empty devCode is accepted for any phone.
func NewCodes(sender CodeSender, ttl time.Duration, devCode string) *Codes {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Codes{
		pending: make(map[string]*pendingCode),
		sender:  sender,
		ttl:     ttl,
		devCode: devCode,
		nowFn:   time.Now,
	}
}

// Request issues a fresh code for phone, replacing any outstanding one.
func (c *Codes) Request(ctx context.Context, phone string) error {
	code, err := randomCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	c.mu.Lock()
	c.pending[phone] = &pendingCode{hash: hash, expires: c.nowFn().Add(c.ttl)}
	c.mu.Unlock()

	if err := c.sender.SendCode(ctx, phone, code); err != nil {
		c.mu.Lock()
		delete(c.pending, phone)
		c.mu.Unlock()
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

// Verify consumes the outstanding code for phone if code matches.
func (c *Codes) Verify(_ context.Context, phone, code string) error {
	if c.devCode != "" && code == c.devCode {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[phone]
	if !ok {
		return ErrVerificationFailed
	}
	if c.nowFn().After(p.expires) {
		delete(c.pending, phone)
		return ErrVerificationFailed
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(code)); err != nil {
		p.attempts++
		if p.attempts >= maxAttempts {
			delete(c.pending, phone)
		}
		return ErrVerificationFailed
	}
	delete(c.pending, phone)
	return nil
}

// Sweep drops expired codes and returns how many were removed.
func (c *Codes) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for phone, p := range c.pending {
		if now.After(p.expires) {
			delete(c.pending, phone)
			n++
		}
	}
	return n
}

// StartSweeper drops expired codes every interval until ctx is done.
func (c *Codes) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.sweepOnce.Do(func() {
		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.Sweep(c.nowFn())
				}
			}
		}()
	})
}

func randomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
