package identity

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Registration is the sign-up form as entered by the user
type Registration struct {
	Email           string `validate:"required,email"`
	Password        string `validate:"required,min=6"`
	ConfirmPassword string `validate:"required,eqfield=Password"`
}

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type emailOnly struct {
	Email string `validate:"required,email"`
}

var validate = validator.New()

// ValidateRegistration checks a sign-up form and returns the first problem
// in the order a user would fix them
func ValidateRegistration(r Registration) error {
	r.Email = strings.TrimSpace(r.Email)
	return translateValidation(validate.Struct(r))
}

func validateCredentials(email, password string) error {
	return translateValidation(validate.Struct(credentials{Email: email, Password: password}))
}

func validateEmail(email string) error {
	return translateValidation(validate.Struct(emailOnly{Email: email}))
}

func translateValidation(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newError(CodeInvalidInput, err)
	}

	found := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		found[fe.Field()+"."+fe.Tag()] = true
	}

	switch {
	case found["Email.required"]:
		return &Error{Code: CodeInvalidEmail, Message: "Email is required", Err: err}
	case found["Email.email"]:
		return &Error{Code: CodeInvalidEmail, Message: Message(CodeInvalidEmail), Err: err}
	case found["Password.required"], found["ConfirmPassword.required"]:
		return &Error{Code: CodeInvalidInput, Message: Message(CodeInvalidInput), Err: err}
	case found["ConfirmPassword.eqfield"]:
		return &Error{Code: CodeInvalidInput, Message: "Passwords do not match", Err: err}
	case found["Password.min"]:
		return &Error{Code: CodeWeakPassword, Message: Message(CodeWeakPassword), Err: err}
	}
	return newError(CodeInvalidInput, err)
}
