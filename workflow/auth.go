package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/repository/models"
)

const minPasswordLength = 6

type Address struct {
	Village  string `json:"village"`
	District string `json:"district"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
}

type BankAccount struct {
	AccountNumber string `json:"accountNumber"`
	IFSCCode      string `json:"ifscCode"`
	BankName      string `json:"bankName"`
}

// RoleData carries the attributes specific to one role
type RoleData struct {
	// farmer
	FarmSize    string       `json:"farmSize"`
	CropTypes   []string     `json:"cropTypes"`
	BankAccount *BankAccount `json:"bankAccount"`

	// distributor
	CompanyName string `json:"companyName"`
	GSTNumber   string `json:"gstNumber"`

	// distributor and retailer
	LicenseNumber string `json:"licenseNumber"`

	// retailer
	StoreName string `json:"storeName"`
	StoreType string `json:"storeType"`
}

type RegisterRequest struct {
	Name     string    `json:"name"`
	Phone    string    `json:"phone"`
	Email    string    `json:"email"`
	Password string    `json:"password"`
	UserType string    `json:"userType"`
	Address  *Address  `json:"address"`
	RoleData *RoleData `json:"roleData"`
}

type RegisteredUser struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	UserType string `json:"userType"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginResult struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	UserType  string `json:"userType"`
	SessionID string `json:"sessionId,omitempty"`

	// Demo is set when the user was found but no session could be opened
	Demo bool `json:"-"`
}

// Register creates the credential and then the user document. If the
// document cannot be written the credential is removed again.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisteredUser, error) {
	if req.Name == "" || req.Phone == "" || req.Email == "" || req.Password == "" || req.UserType == "" {
		return nil, validationError("Name, phone, email, password, and userType are required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, validationError("Password must be at least 6 characters long")
	}
	if !models.IsUserRole(req.UserType) {
		return nil, validationError("Invalid user type")
	}

	_, err := s.store.GetUserByPhone(ctx, req.Phone)
	if err == nil {
		return nil, validationError("A user with this phone number already exists")
	}
	if !repository.IsNotFound(err) {
		return nil, storeError(err, "")
	}

	user := &models.User{
		ID:                repository.NewID(),
		Name:              req.Name,
		Phone:             req.Phone,
		Email:             strings.TrimSpace(req.Email),
		UserType:          req.UserType,
		Verified:          false,
		PreferredLanguage: "english",
	}
	if req.Address != nil {
		applyAddress(user, req.Address)
	}
	if req.RoleData != nil {
		if err := applyRoleData(user, req.RoleData); err != nil {
			return nil, err
		}
	}

	if err := s.identity.CreateAccount(ctx, user.ID, user.Email, req.Password, user.Name); err != nil {
		if errors.Is(err, identity.ErrAccountExists) {
			return nil, validationError("An account with this email already exists")
		}
		return nil, upstreamError("Registration failed", err)
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if cleanupErr := s.identity.DeleteAccount(ctx, user.Email); cleanupErr != nil {
			s.logger.Error("Failed to remove orphaned account", "userId", user.ID, "err", cleanupErr)
		}
		if repository.IsConflict(err) {
			return nil, validationError("A user with this phone number already exists")
		}
		return nil, storeError(err, "")
	}

	s.logger.Info("User registered", "userId", user.ID, "userType", user.UserType)
	return &RegisteredUser{
		UserID:   user.ID,
		Name:     user.Name,
		Phone:    user.Phone,
		Email:    user.Email,
		UserType: user.UserType,
	}, nil
}

// Login finds the user by phone and opens a session. Without a password the
// phone number is tried as the password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.Phone == "" {
		return nil, validationError("Phone number is required")
	}

	user, err := s.store.GetUserByPhone(ctx, req.Phone)
	if err != nil {
		return nil, storeError(err, "User not found")
	}

	result := &LoginResult{
		UserID:   user.ID,
		Name:     user.Name,
		Phone:    user.Phone,
		UserType: user.UserType,
	}

	email := user.Email
	if email == "" {
		email = req.Phone + "@example.com"
	}
	password := req.Password
	if password == "" {
		password = req.Phone
	}

	session, err := s.identity.CreateSession(ctx, email, password)
	if err != nil {
		if !s.opts.AllowDemoLogin {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				return nil, &Error{Kind: KindUnauthorized, Message: "Invalid credentials", Err: err}
			}
			return nil, upstreamError("Login failed", err)
		}
		s.logger.Error("Session creation failed, answering with demo login", "userId", user.ID, "err", err)
		result.Demo = true
		return result, nil
	}

	result.SessionID = session.ID
	s.logger.Info("User logged in", "userId", user.ID)
	return result, nil
}

// Logout ends the caller's session
func (s *Service) Logout(ctx context.Context, session *identity.Session) error {
	if session == nil {
		return &Error{Kind: KindUnauthorized, Message: "Not logged in"}
	}
	if err := s.identity.DeleteSession(ctx, session.ID); err != nil {
		return upstreamError("Logout failed", err)
	}
	return nil
}

// SessionUser returns the user behind the caller's session
func (s *Service) SessionUser(ctx context.Context, session *identity.Session) (*models.User, error) {
	if session == nil {
		return nil, &Error{Kind: KindUnauthorized, Message: "Not logged in"}
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, storeError(err, "User not found")
	}
	return user, nil
}

func applyAddress(user *models.User, a *Address) {
	user.Village = a.Village
	user.District = a.District
	user.State = a.State
	user.Pincode = a.Pincode
}

// applyRoleData copies the attributes that belong to the user's role
func applyRoleData(user *models.User, rd *RoleData) error {
	switch user.UserType {
	case models.RoleFarmer:
		user.FarmSize = rd.FarmSize
		if rd.CropTypes != nil {
			b, err := json.Marshal(rd.CropTypes)
			if err != nil {
				return internalError("Failed to encode crop types", err)
			}
			user.CropTypes = string(b)
		}
		if rd.BankAccount != nil {
			user.BankAccountNumber = rd.BankAccount.AccountNumber
			user.BankIFSC = rd.BankAccount.IFSCCode
			user.BankName = rd.BankAccount.BankName
		}
	case models.RoleDistributor:
		user.CompanyName = rd.CompanyName
		user.GSTNumber = rd.GSTNumber
		user.LicenseNumber = rd.LicenseNumber
	case models.RoleRetailer:
		user.StoreName = rd.StoreName
		user.StoreType = rd.StoreType
		user.LicenseNumber = rd.LicenseNumber
	}
	return nil
}
