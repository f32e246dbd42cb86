package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Limits applied to inbound chat messages.
const (
	MaxTextLength   = 5000
	MaxNameLength   = 50
	MaxSenderLength = 128

	placeholderPrefix = "Guest-"
	placeholderIDLen  = 8
)

// Profile selects the sender-name policy. With RequireSenderName false a
// sender without any display name gets PlaceholderName(connectionID).
type Profile struct {
	RequireSenderName bool
}

// Sender describes the connection a payload arrived on.
type Sender struct {
	ConnectionID  string
	PrincipalID   string
	PrincipalName string
	Anonymous     bool
}

// Validator turns raw inbound payloads into drafts.
type Validator struct {
	profile  Profile
	validate *validator.Validate
}

func NewValidator(profile Profile) *Validator {
	return &Validator{profile: profile, validate: validator.New()}
}

// PlaceholderName derives the display name used for anonymous senders.
func PlaceholderName(connectionID string) string {
	id := strings.ReplaceAll(connectionID, "-", "")
	if len(id) > placeholderIDLen {
		id = id[:placeholderIDLen]
	}
	return placeholderPrefix + id
}

// Validate parses raw and checks every field rule. It returns a
// *FormatError when raw is not a JSON object, and ValidationErrors listing
// all field problems otherwise. Unknown fields are ignored.
func (v *Validator) Validate(raw []byte, sender Sender) (Draft, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Draft{}, &FormatError{Err: err}
	}

	text := strings.TrimSpace(stringField(fields, "content", "text"))
	name := strings.TrimSpace(stringField(fields, "senderDisplayName", "user"))
	if name == "" && !sender.Anonymous {
		name = strings.TrimSpace(sender.PrincipalName)
	}

	senderID := sender.PrincipalID
	if sender.Anonymous {
		senderID = strings.TrimSpace(stringField(fields, "userId", "user_id"))
		if senderID == "" {
			senderID = sender.ConnectionID
		}
	}

	var errs ValidationErrors
	if err := v.validate.Var(text, fmt.Sprintf("required,max=%d", MaxTextLength)); err != nil {
		errs = append(errs, describe("text", err))
	}

	nameRule := fmt.Sprintf("omitempty,max=%d", MaxNameLength)
	if v.profile.RequireSenderName {
		nameRule = fmt.Sprintf("required,max=%d", MaxNameLength)
	}
	if err := v.validate.Var(name, nameRule); err != nil {
		errs = append(errs, describe("user", err))
	}
	if err := v.validate.Var(senderID, fmt.Sprintf("max=%d", MaxSenderLength)); err != nil {
		errs = append(errs, describe("userId", err))
	}

	if len(errs) > 0 {
		return Draft{}, errs
	}
	if name == "" {
		name = PlaceholderName(sender.ConnectionID)
	}

	return Draft{
		RoomID:      stringField(fields, "room_id", "roomId"),
		SenderID:    senderID,
		DisplayName: name,
		Text:        text,
	}, nil
}

// describe maps a validator failure on field to a user-facing reason.
func describe(field string, err error) ValidationError {
	tag := "invalid"
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		tag = fieldErrs[0].Tag()
	}

	switch field + "/" + tag {
	case "text/required":
		return ValidationError{Field: field, Reason: "Message text is required and must be a non-empty string"}
	case "text/max":
		return ValidationError{Field: field, Reason: fmt.Sprintf("Message text must not exceed %d characters", MaxTextLength)}
	case "user/required":
		return ValidationError{Field: field, Reason: "User name is required and must be a non-empty string"}
	case "user/max":
		return ValidationError{Field: field, Reason: fmt.Sprintf("User name must not exceed %d characters", MaxNameLength)}
	case "userId/max":
		return ValidationError{Field: field, Reason: fmt.Sprintf("User id must not exceed %d characters", MaxSenderLength)}
	}
	return ValidationError{Field: field, Reason: fmt.Sprintf("%s is invalid", field)}
}
