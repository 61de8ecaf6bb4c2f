package notification

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// EmailNotifier sends notifications over SMTP. Port 465 uses implicit TLS;
// 587 and 25 use the STARTTLS path of smtp.SendMail.
type EmailNotifier struct {
	config  SMTPConfig
	enabled bool
}

// NewEmailNotifier creates an email notifier; it is disabled when any
// required field is missing.
func NewEmailNotifier(config SMTPConfig) *EmailNotifier {
	enabled := config.Host != "" && config.Username != "" && config.Password != "" &&
		config.From != "" && config.To != ""
	return &EmailNotifier{config: config, enabled: enabled}
}

func (e *EmailNotifier) Name() string {
	return "email"
}

func (e *EmailNotifier) IsEnabled() bool {
	return e.enabled
}

func (e *EmailNotifier) Send(notification *Notification) error {
	if !e.enabled {
		return nil
	}

	subject := fmt.Sprintf("[DCA Bot] %s", notification.Title)
	body := fmt.Sprintf("%s\n\nTimestamp: %s\n\nThis is an automated message from the DCA trading engine.\n",
		notification.Message,
		notification.Timestamp.UTC().Format(time.RFC3339))

	message := []byte(
		"From: " + e.config.From + "\r\n" +
			"To: " + e.config.To + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := e.config.Host + ":" + strconv.Itoa(e.config.Port)

	var err error
	if e.config.Port == 465 {
		err = e.sendTLS(addr, auth, message)
	} else {
		err = smtp.SendMail(addr, auth, e.config.From, []string{e.config.To}, message)
	}
	if err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// sendTLS sends over an implicit TLS connection (port 465)
func (e *EmailNotifier) sendTLS(addr string, auth smtp.Auth, msg []byte) error {
	tlsConfig := &tls.Config{ServerName: e.config.Host}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if err = client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	if err = client.Mail(e.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err = client.Rcpt(e.config.To); err != nil {
		return fmt.Errorf("failed to add recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}
