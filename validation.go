// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Upper bounds applied to length fields received from the appliance.
const (
	MaxDeviceBodyLength  = DeviceModuleLength * 256
	MaxVideoPayload      = 32 * 1024 * 1024
	MaxAudioPayload      = 1024 * 1024
	MaxAuthMessageLength = 64 * 1024
	MaxDesktopNameLength = 64 * 1024
	MaxAccountLength     = 16
)

// InputValidator validates network input data and prevents protocol vulnerabilities.
type InputValidator struct{}

// newInputValidator creates a new input validator for network input data.
func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateProtocolVersion validates RFB protocol version strings.
func (iv *InputValidator) ValidateProtocolVersion(version string) error {
	if len(version) != VersionLength {
		return validationError("InputValidator.ValidateProtocolVersion",
			fmt.Sprintf("protocol version must be exactly %d characters, got %d", VersionLength, len(version)), nil)
	}

	if version[:4] != "RFB " {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must start with 'RFB '", nil)
	}

	if version[11] != '\n' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must end with newline", nil)
	}

	versionPart := version[4:11]
	if versionPart[3] != '.' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version format must be XXX.YYY", nil)
	}

	for i, char := range versionPart {
		if i == 3 {
			continue
		}
		if !unicode.IsDigit(char) {
			return validationError("InputValidator.ValidateProtocolVersion",
				"protocol version must contain only digits and dot", nil)
		}
	}

	return nil
}

// ValidateSecurityTypes validates the security types offered by the appliance.
func (iv *InputValidator) ValidateSecurityTypes(types []SecurityType) error {
	if len(types) == 0 {
		return validationError("InputValidator.ValidateSecurityTypes",
			"security types array cannot be empty", nil)
	}

	for i, t := range types {
		if t == SecurityInvalid {
			return validationError("InputValidator.ValidateSecurityTypes",
				fmt.Sprintf("security type 0 at index %d indicates connection failure", i), nil)
		}
	}

	return nil
}

// ValidateImageDimensions validates the remote screen size.
func (iv *InputValidator) ValidateImageDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return validationError("InputValidator.ValidateImageDimensions",
			fmt.Sprintf("image dimensions must be positive, got %dx%d", width, height), nil)
	}

	const maxDimension = 32768
	if width > maxDimension || height > maxDimension {
		return validationError("InputValidator.ValidateImageDimensions",
			fmt.Sprintf("image dimensions too large: %dx%d (max %d)", width, height, maxDimension), nil)
	}

	return nil
}

// ValidateMessageLength validates message length fields to prevent overflow.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}

	return nil
}

// ValidateChannelNumber validates a logical channel index on the appliance.
func (iv *InputValidator) ValidateChannelNumber(channel int) error {
	if channel < 0 || channel >= MaxChannels {
		return validationError("InputValidator.ValidateChannelNumber",
			fmt.Sprintf("channel %d out of range [0,%d)", channel, MaxChannels), nil)
	}
	return nil
}

// ValidateAccount validates an account name sent in the centralize account block.
func (iv *InputValidator) ValidateAccount(account string) error {
	if len(account) > MaxAccountLength {
		return validationError("InputValidator.ValidateAccount",
			fmt.Sprintf("account length %d exceeds maximum %d", len(account), MaxAccountLength), nil)
	}

	for i := 0; i < len(account); i++ {
		if account[i] > unicode.MaxASCII {
			return validationError("InputValidator.ValidateAccount",
				fmt.Sprintf("account contains non-ASCII byte at position %d", i), nil)
		}
	}

	return nil
}

// ValidateMediaPath validates a local virtual-media path.
func (iv *InputValidator) ValidateMediaPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return validationError("InputValidator.ValidateMediaPath", "media path cannot be empty", nil)
	}
	if strings.ContainsRune(path, 0) {
		return validationError("InputValidator.ValidateMediaPath", "media path contains NUL byte", nil)
	}
	return nil
}

// ValidateKeySymbol validates X11 keysym values for key events.
func (iv *InputValidator) ValidateKeySymbol(keysym uint32) error {
	if keysym == 0 {
		return validationError("InputValidator.ValidateKeySymbol",
			"keysym cannot be zero", nil)
	}

	if keysym > 0x1FFFFFF {
		return validationError("InputValidator.ValidateKeySymbol",
			fmt.Sprintf("keysym value too large: 0x%X", keysym), nil)
	}

	return nil
}

// SanitizeText replaces control and unprintable characters so appliance
// supplied strings can be logged and surfaced safely.
func (iv *InputValidator) SanitizeText(text string) string {
	if text == "" {
		return text
	}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(r)
		case r < 32:
			b.WriteRune(' ')
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			b.WriteRune('�')
		}
	}

	return b.String()
}
