package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/manifoldco/promptui"

	"github.com/marmos91/fetchflow/internal/bytesize"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// IsAborted returns true if the error indicates the user aborted (Ctrl+C).
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

// wrapError converts promptui interrupt/abort errors to ErrAborted.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

func run(p promptui.Prompt) (string, error) {
	result, err := p.Run()
	return result, wrapError(err)
}

// Input prompts for text input.
func Input(label, defaultValue string) (string, error) {
	return run(promptui.Prompt{Label: label, Default: defaultValue})
}

// InputRequired prompts for non-empty text input.
func InputRequired(label string) (string, error) {
	return run(promptui.Prompt{Label: label, Validate: validateRequired})
}

// InputInt prompts for an integer of at least min.
func InputInt(label string, defaultValue, min int) (int, error) {
	result, err := run(promptui.Prompt{
		Label:    label,
		Default:  strconv.Itoa(defaultValue),
		Validate: validateIntMin(min),
	})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(result)
}

// InputPort prompts for a network port (1-65535).
func InputPort(label string, defaultValue int) (int, error) {
	result, err := run(promptui.Prompt{
		Label:    label,
		Default:  strconv.Itoa(defaultValue),
		Validate: validatePort,
	})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(result)
}

// InputByteSize prompts for a size such as "512MiB" or "2GB".
func InputByteSize(label string, defaultValue bytesize.ByteSize) (bytesize.ByteSize, error) {
	result, err := run(promptui.Prompt{
		Label:    label,
		Default:  defaultValue.String(),
		Validate: validateByteSize,
	})
	if err != nil {
		return 0, err
	}
	return bytesize.ParseByteSize(result)
}

// InputDuration prompts for a Go duration such as "10m".
func InputDuration(label string, defaultValue time.Duration) (time.Duration, error) {
	result, err := run(promptui.Prompt{
		Label:    label,
		Default:  defaultValue.String(),
		Validate: validateDuration,
	})
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(result)
}

func validateRequired(input string) error {
	if input == "" {
		return errors.New("value is required")
	}
	return nil
}

func validateIntMin(min int) promptui.ValidateFunc {
	return func(input string) error {
		n, err := strconv.Atoi(input)
		if err != nil {
			return errors.New("must be a valid integer")
		}
		if n < min {
			return fmt.Errorf("must be at least %d", min)
		}
		return nil
	}
}

func validatePort(input string) error {
	port, err := strconv.Atoi(input)
	if err != nil {
		return errors.New("must be a valid integer")
	}
	if port < 1 || port > 65535 {
		return errors.New("must be a valid port (1-65535)")
	}
	return nil
}

func validateByteSize(input string) error {
	if _, err := bytesize.ParseByteSize(input); err != nil {
		return errors.New("must be a size like 512MiB or 2GB")
	}
	return nil
}

func validateDuration(input string) error {
	if _, err := time.ParseDuration(input); err != nil {
		return errors.New("must be a duration like 30s or 10m")
	}
	return nil
}
