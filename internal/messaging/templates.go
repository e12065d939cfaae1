package messaging

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// DefaultStudyContact is how participants reach the study team.
const DefaultStudyContact = "ontariobirthstudy@mtsinai.on.ca or 416-586-4800 ext. 6036"

const messageTemplates = `
{{define "greeting"}}Dear Ontario Birth Study participant:{{"\n\n"}}{{end}}
{{define "signature"}}{{"\n\n"}}Sincerely,{{"\n\n"}}The Ontario Birth Study team{{end}}
{{define "password-notice"}} {{"\n\n"}}A separate email will be sent to this email address which contains a password to access your personal Lifestyle Questionnaire {{.Version}}. {{end}}

{{define "link-subject"}}Ontario Birth Study Lifestyle Questionnaire {{.Version}}{{if .Followup}} Follow-up{{end}}{{end}}
{{define "password-subject"}}Ontario Birth Study Lifestyle Questionnaire {{.Version}} Password{{end}}

{{define "link-given-1"}}{{template "greeting"}}Thank you for enrolling in the Ontario Birth Study. As part of the study, you will be asked to complete 3 Lifestyle Questionnaires and 1 Diet History Questionnaire. These questionnaires are designed to improve our understanding of mother's and infant's health during pregnancy and how this influences health over the life course.
A link to Lifestyle Questionnaire 1 is below:{{"\n\n"}}{{.Link}}{{template "password-notice" .}}{{"\n\n"}}You will receive Lifestyle Questionnaire 2 when you are approximately 28 weeks gestational age. If you have any questions, feel free to contact the Ontario Birth Study at {{.Contact}}. Once again, thank you for participating in the Ontario Birth Study. Without your help, this research would not be possible.{{template "signature"}}{{end}}

{{define "link-given-2"}}{{template "greeting"}}Included below is a link to the Ontario Birth Study Lifestyle Questionnaire 2:{{"\n\n"}}{{.Link}}{{template "password-notice" .}}{{"\n\n"}}You will receive Lifestyle Questionnaire 3 when you are approximately 6 weeks postpartum. If you have any questions, feel free to contact the Ontario Birth Study at {{.Contact}}. {{"\n\n"}}Once again, thank you for participating in the Ontario Birth Study. Without your help, this research would not be possible.{{template "signature"}}{{end}}

{{define "link-given-3"}}{{template "greeting"}}Congratulations on your new baby! This is the last survey for the Ontario Birth Study. Once you complete this survey, you have fulfilled your obligations to this study. A link to the Lifestyle Questionnaire 3 is below:{{"\n\n"}}{{.Link}}{{template "password-notice" .}}{{"\n\n"}}If you have any questions, feel free to contact the Ontario Birth Study at {{.Contact}}. {{"\n\n"}}Once again, thank you for participating in the Ontario Birth Study. Without your help, this research would not be possible.{{template "signature"}}{{end}}

{{define "link-followup"}}{{template "greeting"}}This is just a reminder that you have not completed your most recent Lifestyle Questionnaire.{{"\n\n"}}A link to Lifestyle Questionnaire {{.Version}} is below:{{"\n\n"}}{{.Link}}{{template "password-notice" .}}{{"\n\n"}}{{if .PaperCopy}}If you would like a paper copy of the Lifestyle Questionnaire or if you have any questions{{else}}If you have any questions{{end}}, feel free to contact the Ontario Birth Study at {{.Contact}}. {{template "signature"}}{{end}}

{{define "password"}}{{template "greeting"}}Your password for Lifestyle Questionnaire {{.Version}} is as follows:{{"\n\n"}}{{.Password}} {{"\n\n"}}Please click the link provided in the previous email and enter the above password to access your personal Lifestyle Questionnaire.{{template "signature"}}{{end}}
`

var parsedTemplates = template.Must(template.New("messages").Option("missingkey=error").Parse(messageTemplates))

// Composer renders the link and password messages for each status key.
type Composer struct {
	contact string
	tmpl    *template.Template
}

// NewComposer returns a Composer that points participants at contact.
func NewComposer(contact string) *Composer {
	if strings.TrimSpace(contact) == "" {
		contact = DefaultStudyContact
	}
	return &Composer{contact: contact, tmpl: parsedTemplates}
}

type templateData struct {
	Version   int
	Followup  bool
	PaperCopy bool
	Link      string
	Password  string
	Contact   string
}

func (c *Composer) data(key models.StatusKey) (templateData, error) {
	if !key.Version.Valid() || !key.Stage.Valid() {
		return templateData{}, fmt.Errorf("no message template for %s", key)
	}
	return templateData{
		Version:   int(key.Version),
		Followup:  key.Stage != models.StageGiven,
		PaperCopy: key.Stage == models.StageFollowup2 || key.Stage == models.StageFollowup3,
		Contact:   c.contact,
	}, nil
}

// LinkMessage renders the first e-mail of a contact, carrying the survey link.
func (c *Composer) LinkMessage(key models.StatusKey, link string) (subject, body string, err error) {
	d, err := c.data(key)
	if err != nil {
		return "", "", err
	}
	d.Link = link
	name := "link-followup"
	if !d.Followup {
		name = fmt.Sprintf("link-given-%d", d.Version)
	}
	return c.render("link-subject", name, d)
}

// PasswordMessage renders the second e-mail of a contact, carrying the survey password.
func (c *Composer) PasswordMessage(key models.StatusKey, password string) (subject, body string, err error) {
	d, err := c.data(key)
	if err != nil {
		return "", "", err
	}
	d.Password = password
	return c.render("password-subject", "password", d)
}

func (c *Composer) render(subjectName, bodyName string, d templateData) (string, string, error) {
	var subject, body strings.Builder
	if err := c.tmpl.ExecuteTemplate(&subject, subjectName, d); err != nil {
		return "", "", fmt.Errorf("render %s: %w", subjectName, err)
	}
	if err := c.tmpl.ExecuteTemplate(&body, bodyName, d); err != nil {
		return "", "", fmt.Errorf("render %s: %w", bodyName, err)
	}
	return subject.String(), body.String(), nil
}
