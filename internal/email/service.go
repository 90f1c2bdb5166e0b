// Package email delivers participant notification mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log"
	"net/mail"
	"net/smtp"
	"strings"
	texttemplate "text/template"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL is the public site root, used for the logo link.
	BaseURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Invitation is the first mail a participant receives for a conversation.
type Invitation struct {
	To          string
	Title       string
	Inviter     string
	InviterName string
	Message     string
	URL         string
}

// Update tells a participant that a conversation they follow changed.
type Update struct {
	To           string
	Title        string
	Modifier     string
	ModifierName string
	URL          string
}

type mailData struct {
	Title   string
	By      string
	Message string
	URL     string
	Time    string
	SiteURL string
}

func (s *Service) SendInvitation(inv Invitation) error {
	if !validAddress(inv.To) {
		log.Printf("skipping invitation to invalid address %q", inv.To)
		return nil
	}
	data := s.data(inv.Title, inv.Inviter, inv.InviterName, inv.URL)
	data.Message = inv.Message
	if data.Message == "" {
		data.Message = "No message was left"
	}
	return s.sendTemplates(inv.To, "Invitation to join: "+data.Title, invitationText, invitationHTML, data)
}

func (s *Service) SendUpdate(update Update) error {
	if !validAddress(update.To) {
		log.Printf("skipping update to invalid address %q", update.To)
		return nil
	}
	data := s.data(update.Title, update.Modifier, update.ModifierName, update.URL)
	return s.sendTemplates(update.To, "Update: "+data.Title, updateText, updateHTML, data)
}

func (s *Service) data(title, who, whoName, url string) mailData {
	if title == "" {
		title = "Untitled"
	}
	if whoName == "" {
		whoName = who
	}
	return mailData{
		Title:   title,
		By:      whoName + " (" + who + ")",
		URL:     url,
		Time:    s.now().Format("02-01-2006 15:04:05"),
		SiteURL: s.config.BaseURL,
	}
}

func (s *Service) sendTemplates(to, subject string, text *texttemplate.Template, html *htmltemplate.Template, data mailData) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	var plain, rich bytes.Buffer
	if err := text.Execute(&plain, data); err != nil {
		return fmt.Errorf("render plain body: %w", err)
	}
	if err := html.Execute(&rich, data); err != nil {
		return fmt.Errorf("render html body: %w", err)
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-mrray"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, plain.String())
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, rich.String())
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	log.Printf("mail sent to %s", to)
	return nil
}

func validAddress(address string) bool {
	if strings.TrimSpace(address) == "" {
		return false
	}
	_, err := mail.ParseAddress(address)
	return err == nil
}

const footerText = `
************************
*Why shouldn't I share the link that was sent to me?
This link is unique to you and your e-mail address. Sharing it will allow other people to reply as you.
*I don't want any more notifications about this conversation, what should I do?
Just ignore this e-mail. You will only receive more notifications if you visit the link we provided.

Mail sent at {{.Time}}
Do not reply to this address, it is not monitored.
`

var invitationText = texttemplate.Must(texttemplate.New("invitation").Parse(`
You have been invited to take part in a conversation. You don't need an account: click the link provided and get started!

Conversation: {{.Title}}
By: {{.By}}
Invitation Message: {{.Message}}
Your link: please don't share your secret link: {{.URL}}
` + footerText))

var updateText = texttemplate.Must(texttemplate.New("update").Parse(`
A conversation that you follow has been updated. We thought you might want to see the changes!

Conversation: {{.Title}}
By: {{.By}}
Your link: please don't share your secret link: {{.URL}}
` + footerText))

const htmlLayout = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body style="font-family:arial, sans-serif; font-size:small;">
    <p style="font-size:medium; font-weight:bold;">Mr Ray, the wav-e-mail bot</p>
    {{template "lead" .}}
    <table border="0" cellspacing="10">
        <tr><td style="color:gray;">Conversation:</td><td>{{.Title}}</td></tr>
        <tr><td style="color:gray;">By:</td><td>{{.By}}</td></tr>
        {{template "extra" .}}
        <tr><td style="color:gray;">Your link:</td><td>Please don't share <a href="{{.URL}}">your secret link!</a></td></tr>
    </table>
    <div style="color:gray; font-size:xx-small; background-color:#F6F6F6">
        <p><b>Why shouldn't I share the link that was sent to me?</b></p>
        <p>This link is unique to you and your e-mail address. Sharing it will allow other people to reply as you.</p>
        <p>Mail sent at {{.Time}}. Do not reply to this address, it is not monitored.</p>
        {{if .SiteURL}}<p><a href="{{.SiteURL}}">{{.SiteURL}}</a></p>{{end}}
    </div>
</body>
</html>`

var invitationHTML = htmltemplate.Must(htmltemplate.Must(htmltemplate.New("invitation").Parse(htmlLayout)).Parse(`
{{define "lead"}}<p><b>You have been invited to take part in a conversation. You don't need an account: click the link provided and get started!</b></p>{{end}}
{{define "extra"}}<tr><td style="color:gray;">Invitation Message:</td><td>{{.Message}}</td></tr>{{end}}`))

var updateHTML = htmltemplate.Must(htmltemplate.Must(htmltemplate.New("update").Parse(htmlLayout)).Parse(`
{{define "lead"}}<p><b>A conversation that you follow has been updated. We thought you might want to see the changes!</b></p>{{end}}
{{define "extra"}}{{end}}`))
