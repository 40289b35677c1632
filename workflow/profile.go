package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/repository/models"
)

// ProfileUpdate is a partial profile edit. Nil and empty fields are left
// unchanged.
type ProfileUpdate struct {
	Name              *string   `json:"name"`
	PreferredLanguage *string   `json:"preferredLanguage"`
	WalletAddress     *string   `json:"walletAddress"`
	Address           *Address  `json:"address"`
	RoleData          *RoleData `json:"roleData"`

	// Identity fields may be echoed back but not changed
	UserID   *string `json:"userId"`
	UserType *string `json:"userType"`
	Phone    *string `json:"phone"`
	Email    *string `json:"email"`
}

func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, validationError("User ID is required")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeError(err, "User not found")
	}
	return user, nil
}

// UpdateProfile edits the caller's own profile
func (s *Service) UpdateProfile(ctx context.Context, actor *identity.Session, userID string, upd ProfileUpdate) (*models.User, error) {
	if actor == nil {
		return nil, &Error{Kind: KindUnauthorized, Message: "Not logged in"}
	}
	if actor.UserID != userID {
		return nil, &Error{Kind: KindForbidden, Message: "Cannot edit another user's profile"}
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeError(err, "User not found")
	}

	if changed(upd.UserID, user.ID) || changed(upd.UserType, user.UserType) ||
		changed(upd.Phone, user.Phone) || changed(upd.Email, user.Email) {
		return nil, validationError("userId, userType, phone and email cannot be changed")
	}

	updates := map[string]interface{}{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, validationError("Name cannot be empty")
		}
		updates["name"] = name
	}
	setString(updates, "preferred_language", upd.PreferredLanguage)
	setString(updates, "wallet_address", upd.WalletAddress)

	if a := upd.Address; a != nil {
		setNonEmpty(updates, "village", a.Village)
		setNonEmpty(updates, "district", a.District)
		setNonEmpty(updates, "state", a.State)
		setNonEmpty(updates, "pincode", a.Pincode)
	}

	if rd := upd.RoleData; rd != nil {
		if err := roleDataUpdates(updates, user.UserType, rd); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.UpdateUser(ctx, userID, updates)
	if err != nil {
		return nil, storeError(err, "User not found")
	}
	s.logger.Info("Profile updated", "userId", userID, "fields", len(updates))
	return updated, nil
}

func roleDataUpdates(updates map[string]interface{}, role string, rd *RoleData) error {
	farmer := rd.FarmSize != "" || rd.CropTypes != nil || rd.BankAccount != nil
	distributor := rd.CompanyName != "" || rd.GSTNumber != ""
	retailer := rd.StoreName != "" || rd.StoreType != ""

	if (farmer && role != models.RoleFarmer) ||
		(distributor && role != models.RoleDistributor) ||
		(retailer && role != models.RoleRetailer) ||
		(rd.LicenseNumber != "" && role == models.RoleFarmer) {
		return validationError(fmt.Sprintf("Role data does not apply to %s", role))
	}

	setNonEmpty(updates, "farm_size", rd.FarmSize)
	if rd.CropTypes != nil {
		b, err := json.Marshal(rd.CropTypes)
		if err != nil {
			return internalError("Failed to encode crop types", err)
		}
		updates["crop_types"] = string(b)
	}
	if ba := rd.BankAccount; ba != nil {
		setNonEmpty(updates, "bank_account_number", ba.AccountNumber)
		setNonEmpty(updates, "bank_ifsc", ba.IFSCCode)
		setNonEmpty(updates, "bank_name", ba.BankName)
	}
	setNonEmpty(updates, "company_name", rd.CompanyName)
	setNonEmpty(updates, "gst_number", rd.GSTNumber)
	setNonEmpty(updates, "license_number", rd.LicenseNumber)
	setNonEmpty(updates, "store_name", rd.StoreName)
	setNonEmpty(updates, "store_type", rd.StoreType)
	return nil
}

func changed(v *string, current string) bool {
	return v != nil && *v != current
}

func setString(updates map[string]interface{}, column string, v *string) {
	if v != nil {
		setNonEmpty(updates, column, *v)
	}
}

func setNonEmpty(updates map[string]interface{}, column, v string) {
	if v != "" {
		updates[column] = v
	}
}
