package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxContentBytes bounds the size of a message body.
const MaxContentBytes = 64 * 1024

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("amount", validAmount); err != nil {
		panic(err)
	}
	return v
}

// Validate checks the field rules of an inbound message. The returned error
// names the first offending field in wire terms, e.g. "senderId is required".
func Validate(msg ClientMessage) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("protocol: %w", err)
	}

	fe := verrs[0]
	field := fe.Field()
	// Join and leave payloads carry no json tags.
	if field == "ConversationID" {
		field = "conversationId"
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, fe.Param())
	case "amount":
		return fmt.Errorf("%s must be a positive decimal", field)
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}

// ValidateContent checks that a message body is non-empty, bounded and
// valid UTF-8. The content itself is never interpreted.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("content exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	return nil
}

// Amount is a decimal transfer amount. It decodes from either a JSON number
// or a JSON string and always encodes as a string so no precision is lost.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or a string: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

func (a Amount) String() string { return string(a) }

func validAmount(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || strings.Contains(s, "/") {
		return false
	}
	r, ok := new(big.Rat).SetString(s)
	return ok && r.Sign() > 0
}
