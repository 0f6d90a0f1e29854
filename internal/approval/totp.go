package approval

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// Enrollment is a freshly generated TOTP secret.
type Enrollment struct {
	Secret string
	URL    string
}

// Enroll generates a TOTP secret for remote approvals.
func Enroll(issuer, account string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// QR renders the provisioning URL as a terminal QR code.
func (e *Enrollment) QR() (string, error) {
	code, err := qrcode.New(e.URL, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return code.ToSmallString(false), nil
}

// Verifier checks TOTP codes against a shared secret.
type Verifier struct {
	Secret string

	// Skew is the number of 30s periods accepted on either side. Default: 1.
	Skew uint
}

// Validate reports whether code is valid at t. An empty secret accepts
// nothing.
func (v Verifier) Validate(code string, t time.Time) bool {
	if v.Secret == "" || code == "" {
		return false
	}
	skew := v.Skew
	if skew == 0 {
		skew = 1
	}
	ok, err := totp.ValidateCustom(code, v.Secret, t.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
