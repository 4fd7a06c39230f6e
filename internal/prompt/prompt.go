// Package prompt builds an installation plan interactively. It only asks;
// nothing here touches the disk.
package prompt

import (
	"errors"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

var ErrDeclined = errors.New("installation declined")

// Asker is the question surface the builder needs.
type Asker interface {
	Select(msg string, options []string, def string) (string, error)
	MultiSelect(msg string, options []string, def []string) ([]string, error)
	Input(msg, def string) (string, error)
	Password(msg string) (string, error)
	Confirm(msg string, def bool) (bool, error)
}

// Interrupted reports whether err came from the operator pressing Ctrl-C at
// a prompt.
func Interrupted(err error) bool {
	return errors.Is(err, terminal.InterruptErr)
}

// Survey asks on the terminal.
type Survey struct {
	Opts []survey.AskOpt
}

func (s Survey) Select(msg string, options []string, def string) (string, error) {
	q := &survey.Select{Message: msg, Options: options, PageSize: 12}
	if def != "" {
		q.Default = def
	}
	var out string
	err := survey.AskOne(q, &out, s.Opts...)
	return out, err
}

func (s Survey) MultiSelect(msg string, options []string, def []string) ([]string, error) {
	q := &survey.MultiSelect{Message: msg, Options: options, PageSize: 12}
	if len(def) > 0 {
		q.Default = def
	}
	var out []string
	err := survey.AskOne(q, &out, s.Opts...)
	return out, err
}

func (s Survey) Input(msg, def string) (string, error) {
	var out string
	err := survey.AskOne(&survey.Input{Message: msg, Default: def}, &out, s.Opts...)
	return out, err
}

func (s Survey) Password(msg string) (string, error) {
	var out string
	err := survey.AskOne(&survey.Password{Message: msg}, &out, s.Opts...)
	return out, err
}

func (s Survey) Confirm(msg string, def bool) (bool, error) {
	var out bool
	err := survey.AskOne(&survey.Confirm{Message: msg, Default: def}, &out, s.Opts...)
	return out, err
}
