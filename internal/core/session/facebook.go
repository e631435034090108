package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"karaoke/internal/platform/browser"
)

const (
	facebookHome  = "https://www.facebook.com/"
	facebookLogin = "https://www.facebook.com/login/"

	selectorEmail    = `input[name="email"]`
	selectorPassword = `input[name="pass"]`
	selectorSubmit   = `button[name="login"]`
	// Rendered only for a signed in user.
	selectorAccount = `[aria-label="Your profile"]`
)

type Credentials struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	RequestID string `json:"requestId"`
}

// Authenticator validates and obtains cookies for the gated source.
type Authenticator interface {
	Validate(ctx context.Context, cookies []browser.Cookie) (bool, error)
	Login(ctx context.Context, creds Credentials) ([]browser.Cookie, error)
}

// Facebook drives the login form in a real browser.
type Facebook struct {
	browser browser.Browser
	timeout time.Duration
}

func NewFacebook(b browser.Browser, navTimeout time.Duration) *Facebook {
	return &Facebook{browser: b, timeout: navTimeout}
}

func (f *Facebook) Validate(ctx context.Context, cookies []browser.Cookie) (bool, error) {
	page, err := f.browser.Open(ctx, facebookHome, browser.OpenOptions{Cookies: cookies, Strategy: browser.StrategyModernBrowser, Timeout: f.timeout})
	if err != nil {
		return false, fmt.Errorf("open facebook: %w", err)
	}
	defer page.Close()

	if IsLoginPage(page) {
		return false, nil
	}
	ok, err := page.Exists(selectorAccount)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (f *Facebook) Login(ctx context.Context, creds Credentials) ([]browser.Cookie, error) {
	page, err := f.browser.Open(ctx, facebookLogin, browser.OpenOptions{Strategy: browser.StrategyModernBrowser, Timeout: f.timeout})
	if err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	defer page.Close()

	if err := page.Fill(selectorEmail, creds.Email); err != nil {
		return nil, fmt.Errorf("fill email: %w", err)
	}
	if err := page.Fill(selectorPassword, creds.Password); err != nil {
		return nil, fmt.Errorf("fill password: %w", err)
	}
	if err := page.Click(selectorSubmit); err != nil {
		return nil, fmt.Errorf("submit login: %w", err)
	}
	_ = page.WaitForIdle(f.timeout)

	cookies, err := page.Cookies()
	if err != nil {
		return nil, err
	}
	if !hasCookie(cookies, "c_user") {
		return nil, ErrLoginRejected
	}
	return cookies, nil
}

// IsLoginPage reports whether a page bounced to the login wall. Extraction
// uses it to detect an expired session.
func IsLoginPage(page browser.Page) bool {
	if strings.Contains(page.URL(), "/login") || strings.Contains(page.URL(), "checkpoint") {
		return true
	}
	ok, err := page.Exists(selectorEmail)
	return err == nil && ok
}

func hasCookie(cookies []browser.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}
