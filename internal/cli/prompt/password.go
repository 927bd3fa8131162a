package prompt

import (
	"github.com/manifoldco/promptui"
)

// Secret prompts for a masked value such as an S3 secret key. An empty
// answer is allowed and leaves the SDK credential chain in charge.
func Secret(label string) (string, error) {
	return run(promptui.Prompt{Label: label, Mask: '*'})
}
