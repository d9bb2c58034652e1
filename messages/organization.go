package messages

import (
	"github.com/zylinc/messagebus/contracts"
)

// LoginResultCode is the outcome of a login attempt
type LoginResultCode int

const (
	LoginDenied LoginResultCode = iota
	LoginGranted
	LoginUnknownUser
	LoginLockedOut
)

func (c LoginResultCode) String() string {
	switch c {
	case LoginDenied:
		return "LoginDenied"
	case LoginGranted:
		return "LoginGranted"
	case LoginUnknownUser:
		return "LoginUnknownUser"
	case LoginLockedOut:
		return "LoginLockedOut"
	default:
		return "Unknown"
	}
}

// UserLoginRequest asks the organization service to authenticate a user
type UserLoginRequest struct {
	contracts.BaseRequest
	Email    string `json:"email"`
	Password string `json:"password"`
}

// NewUserLoginRequest creates a login request. requestID may be empty.
func NewUserLoginRequest(requestID, replyTo, email, password string) *UserLoginRequest {
	return &UserLoginRequest{
		BaseRequest: contracts.NewBaseRequest("UserLoginRequest", requestID, replyTo),
		Email:       email,
		Password:    password,
	}
}

// UserLoginResponse answers a UserLoginRequest
type UserLoginResponse struct {
	contracts.BaseResponse
	ResultCode LoginResultCode `json:"resultCode"`
	UserID     string          `json:"userId,omitempty"`
	Email      string          `json:"email"`
	FirstName  string          `json:"firstName,omitempty"`
	LastName   string          `json:"lastName,omitempty"`
}

// NewUserLoginResponse creates a login response for requestID
func NewUserLoginResponse(requestID string, result LoginResultCode, userID, email, firstName, lastName string) *UserLoginResponse {
	return &UserLoginResponse{
		BaseResponse: contracts.NewBaseResponse("UserLoginResponse", requestID),
		ResultCode:   result,
		UserID:       userID,
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
	}
}
