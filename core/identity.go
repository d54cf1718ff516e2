package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
}

// User is the authenticated actor supplied by an IdentityProvider.
type User struct {
	ID   string `json:"userId" validate:"notblank"`
	Name string `json:"userName" validate:"notblank"`
	Role string `json:"userRole" validate:"notblank"`
}

// RoomIdentity parameterizes one connection. Changing any field requires
// closing the connection and opening a new one.
type RoomIdentity struct {
	RoomID   string `json:"roomId" validate:"notblank"`
	UserID   string `json:"userId" validate:"notblank"`
	UserName string `json:"userName" validate:"notblank"`
	UserRole string `json:"userRole" validate:"notblank"`
}

// NewRoomIdentity binds user to roomID.
func NewRoomIdentity(user User, roomID string) RoomIdentity {
	return RoomIdentity{
		RoomID:   roomID,
		UserID:   user.ID,
		UserName: user.Name,
		UserRole: user.Role,
	}
}

func (id RoomIdentity) User() User {
	return User{ID: id.UserID, Name: id.UserName, Role: id.UserRole}
}

// Validate returns an error wrapping ErrInvalidIdentity naming every blank field.
func (id RoomIdentity) Validate() error {
	err := validate.Struct(id)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fmt.Errorf("%w: blank %s", ErrInvalidIdentity, strings.Join(fields, ", "))
}

// IdentityProvider supplies the currently authenticated user.
// CurrentUser returns false when nobody is signed in.
type IdentityProvider interface {
	CurrentUser() (User, bool)
}

// StaticIdentity is an IdentityProvider that always returns the same user.
// The zero value has no current user.
type StaticIdentity struct {
	user User
	ok   bool
}

func NewStaticIdentity(user User) *StaticIdentity {
	return &StaticIdentity{user: user, ok: validate.Struct(user) == nil}
}

func (s *StaticIdentity) CurrentUser() (User, bool) {
	if s == nil {
		return User{}, false
	}
	return s.user, s.ok
}

// IsOwn reports whether entry was sent by the user with currentUserID.
func IsOwn(entry Entry, currentUserID string) bool {
	return entry.Message.UserID == currentUserID
}
