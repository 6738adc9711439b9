package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/lledo-industries/auth-core/internal/usecase"
)

// Coarse authentication failure codes. They never reveal which check failed.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidCode        = "invalid_code"
	CodeCodeExpired        = "code_expired"
	CodeChallengeLocked    = "challenge_locked"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
)

const validationFailedMessage = "validation failed"

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
	Code    string
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
// Validation errors are always reported per field.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	var vErr *usecase.ValidationError
	if errors.As(err, &vErr) {
		respondFields(c, map[string]string{vErr.Field: vErr.Message})
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, newCodedError(c, cs.Message, cs.Code))
			return
		}
	}

	if fallbackStatus >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

// bindJSON decodes the request body and writes a 400 with per-field messages
// when it does not validate. It reports whether the handler may continue.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		respondFields(c, fields)
		return false
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		respondFields(c, map[string]string{typeErr.Field: "has the wrong type"})
		return false
	}

	c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request body"))
	return false
}

func respondFields(c *gin.Context, fields map[string]string) {
	resp := NewErrorResponse(c, validationFailedMessage)
	resp.Fields = fields
	c.JSON(http.StatusBadRequest, resp)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required"
	case "email":
		return "must be a valid email"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "is invalid"
	}
}

var registerTagNames sync.Once

// UseJSONFieldNames makes validation errors report the json name of a field
// instead of the Go struct field name.
func UseJSONFieldNames() {
	registerTagNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
}

var authFailureCases = []ErrorCase{
	{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid credentials", Code: CodeInvalidCredentials},
	{Err: usecase.ErrCodeInvalid, Status: http.StatusUnauthorized, Message: "invalid code", Code: CodeInvalidCode},
	{Err: usecase.ErrCodeExpired, Status: http.StatusUnauthorized, Message: "code expired", Code: CodeCodeExpired},
	{Err: usecase.ErrCodeLocked, Status: http.StatusUnauthorized, Message: "too many attempts", Code: CodeChallengeLocked},
}
