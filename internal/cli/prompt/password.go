package prompt

import (
	"github.com/manifoldco/promptui"
)

// Password prompts for a masked secret, used by waflowctl login when -p is
// not given.
func Password(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}
