package app

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html/template"
)

type pageData struct {
	RobotWeb     string
	RobotAddress string
	RobotIdent   string
	RobotDomain  string
	ProxyAt      string
	PublicEmail  string
	Conversation string
	ErrorCode    string
	Message      string
}

const pageLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{template "title" .}}</title>
<link rel="stylesheet" href="{{.RobotWeb}}web/css/mrray.css">
</head>
<body>
{{template "content" .}}
</body>
</html>`

var conversationPage = template.Must(template.Must(template.New("conversation").Parse(pageLayout)).Parse(`
{{define "title"}}Mr-Ray{{end}}
{{define "content"}}<div id="wave" data-robot-email="{{.RobotAddress}}" data-robot-ident="{{.RobotIdent}}" data-robot-domain="{{.RobotDomain}}" data-proxy-at="{{.ProxyAt}}" data-public-email="{{.PublicEmail}}"></div>
<script>var waveJson = "{{.Conversation}}";</script>
<script src="{{.RobotWeb}}web/js/renderwave.js"></script>{{end}}
`))

var errorPage = template.Must(template.Must(template.New("error").Parse(pageLayout)).Parse(`
{{define "title"}}Mr-Ray - {{.Message}}{{end}}
{{define "content"}}<h1>{{.Message}}</h1>
<p>Error code: {{.ErrorCode}}</p>
<p><a href="{{.RobotWeb}}">Back to Mr-Ray</a></p>{{end}}
`))

func (s *HTTPServer) basePage() pageData {
	b64 := base64.StdEncoding.EncodeToString
	return pageData{
		RobotWeb:     s.opts.BaseURL,
		RobotAddress: b64([]byte(s.service.robot.Address())),
		RobotIdent:   s.service.robot.Ident,
		RobotDomain:  s.service.robot.Domain,
		ProxyAt:      proxyAtReplace,
		PublicEmail:  b64([]byte(s.service.sessions.PublicParticipant())),
	}
}

func (s *HTTPServer) renderConversation(view ConversationView) ([]byte, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	data := s.basePage()
	data.Conversation = base64.StdEncoding.EncodeToString(raw)
	var buf bytes.Buffer
	if err := conversationPage.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *HTTPServer) renderError(kind Kind, pageID string) []byte {
	data := s.basePage()
	data.ErrorCode = pageID
	data.Message = kind.message()
	var buf bytes.Buffer
	if err := errorPage.Execute(&buf, data); err != nil {
		return []byte(data.Message)
	}
	return buf.Bytes()
}
