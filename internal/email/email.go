// Package email delivers verification codes through an email-to-SMS gateway.
package email

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// AddressFormat turns the digits of a phone number into a gateway
	// address, e.g. "%s@sms.example.net".
	AddressFormat string
	CodeTTL       time.Duration

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from, addressFormat string) *Sender {
	return &Sender{
		Host:          host,
		Port:          port,
		Username:      username,
		Password:      password,
		From:          from,
		AddressFormat: addressFormat,
		sendMail:      smtp.SendMail,
	}
}

var codeTemplate = template.Must(template.New("code").Parse(
	"Your murmur code is {{.Code}}. It expires in {{.Minutes}} minutes. Do not share it.\r\n",
))

// SendCode mails code to the gateway address for phone.
func (s *Sender) SendCode(_ context.Context, phone, code string) error {
	digits := phoneDigits(phone)
	if digits == "" {
		return fmt.Errorf("phone %q has no digits", phone)
	}
	to := fmt.Sprintf(s.AddressFormat, digits)

	minutes := int(s.CodeTTL.Minutes())
	if minutes <= 0 {
		minutes = 5
	}
	var body bytes.Buffer
	if err := codeTemplate.Execute(&body, map[string]any{"Code": code, "Minutes": minutes}); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	var msg strings.Builder
	for _, h := range [][2]string{
		{"From", s.From},
		{"To", to},
		{"Subject", "Verification code"},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="UTF-8"`},
	} {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(s.Host+":"+s.Port, auth, s.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to gateway: %w", err)
	}
	return nil
}

func phoneDigits(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
