package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User roles
const (
	RoleFarmer      = "farmer"
	RoleDistributor = "distributor"
	RoleRetailer    = "retailer"
)

// Crop statuses, in pipeline order
const (
	StatusHarvested       = "harvested"
	StatusWithDistributor = "with_distributor"
	StatusWithRetailer    = "with_retailer"
	StatusSold            = "sold"
)

// Transaction statuses
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// Pipeline is the ordered set of crop statuses
var Pipeline = []string{StatusHarvested, StatusWithDistributor, StatusWithRetailer, StatusSold}

// StatusRank returns the position of status in the pipeline, or -1
func StatusRank(status string) int {
	for i, s := range Pipeline {
		if s == status {
			return i
		}
	}
	return -1
}

// IsUserRole reports whether role is one of the registrable roles
func IsUserRole(role string) bool {
	return role == RoleFarmer || role == RoleDistributor || role == RoleRetailer
}

// User represents a registered farmer, distributor or retailer
type User struct {
	ID                string `gorm:"column:user_id;primaryKey;type:varchar(50)" json:"userId"`
	Name              string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Phone             string `gorm:"column:phone;type:varchar(20);uniqueIndex;not null" json:"phone"`
	Email             string `gorm:"column:email;type:varchar(255)" json:"email,omitempty"`
	UserType          string `gorm:"column:user_type;type:varchar(20);index;not null" json:"userType"`
	Verified          bool   `gorm:"column:verified;default:false" json:"verified"`
	WalletAddress     string `gorm:"column:wallet_address;type:varchar(64)" json:"walletAddress,omitempty"`
	PreferredLanguage string `gorm:"column:preferred_language;type:varchar(20);default:'english'" json:"preferredLanguage"`

	// Address
	Village  string `gorm:"column:village;type:varchar(100)" json:"village,omitempty"`
	District string `gorm:"column:district;type:varchar(100)" json:"district,omitempty"`
	State    string `gorm:"column:state;type:varchar(100)" json:"state,omitempty"`
	Pincode  string `gorm:"column:pincode;type:varchar(12)" json:"pincode,omitempty"`

	// Farmer
	FarmSize          string `gorm:"column:farm_size;type:varchar(50)" json:"farmSize,omitempty"`
	CropTypes         string `gorm:"column:crop_types;type:text" json:"cropTypes,omitempty"` // JSON array
	BankAccountNumber string `gorm:"column:bank_account_number;type:varchar(34)" json:"bankAccountNumber,omitempty"`
	BankIFSC          string `gorm:"column:bank_ifsc;type:varchar(11)" json:"bankIFSC,omitempty"`
	BankName          string `gorm:"column:bank_name;type:varchar(100)" json:"bankName,omitempty"`

	// Distributor / Retailer
	CompanyName   string `gorm:"column:company_name;type:varchar(150)" json:"companyName,omitempty"`
	GSTNumber     string `gorm:"column:gst_number;type:varchar(15)" json:"gstNumber,omitempty"`
	LicenseNumber string `gorm:"column:license_number;type:varchar(50)" json:"licenseNumber,omitempty"`
	StoreName     string `gorm:"column:store_name;type:varchar(150)" json:"storeName,omitempty"`
	StoreType     string `gorm:"column:store_type;type:varchar(50)" json:"storeType,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// Crop represents one harvested lot moving through the pipeline
type Crop struct {
	ID              string          `gorm:"column:id;primaryKey;type:varchar(50)" json:"id"`
	CropID          string          `gorm:"column:crop_id;type:varchar(64);uniqueIndex;not null" json:"cropId"`
	Name            string          `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Variety         string          `gorm:"column:variety;type:varchar(100)" json:"variety,omitempty"`
	Quantity        float64         `gorm:"column:quantity;not null" json:"quantity"`
	Unit            string          `gorm:"column:unit;type:varchar(20);not null" json:"unit"`
	HarvestDate     time.Time       `gorm:"column:harvest_date;not null" json:"harvestDate"`
	ExpiryDate      *time.Time      `gorm:"column:expiry_date" json:"expiryDate,omitempty"`
	PricePerUnit    decimal.Decimal `gorm:"column:price_per_unit;type:numeric(14,2);default:0" json:"pricePerUnit"`
	Currency        string          `gorm:"column:currency;type:varchar(3);default:'USD'" json:"currency"`
	Status          string          `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	FarmerID        string          `gorm:"column:farmer_id;type:varchar(50);index;not null" json:"farmerId"`
	CurrentHolderID string          `gorm:"column:current_holder_id;type:varchar(50);index" json:"currentHolderId,omitempty"`
	FarmLatitude    *float64        `gorm:"column:farm_latitude" json:"farmLatitude,omitempty"`
	FarmLongitude   *float64        `gorm:"column:farm_longitude" json:"farmLongitude,omitempty"`
	FarmAddress     string          `gorm:"column:farm_address;type:varchar(255)" json:"farmAddress,omitempty"`
	QRCodeData      string          `gorm:"column:qr_code_data;type:text" json:"qrCodeData"`
	Photos          string          `gorm:"column:photos;type:text" json:"photos,omitempty"`               // JSON array
	Certifications  string          `gorm:"column:certifications;type:text" json:"certifications,omitempty"` // JSON array
	Notes           string          `gorm:"column:notes;type:text" json:"notes,omitempty"`

	// Ledger mirror info, filled in asynchronously
	BlockchainTxHash string `gorm:"column:blockchain_tx_hash;type:varchar(66)" json:"blockchainTxHash,omitempty"`
	BlockchainID     string `gorm:"column:blockchain_id;type:varchar(64)" json:"blockchainId,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// HolderID returns whoever currently possesses the crop. An untransferred
// crop is held by its farmer.
func (c *Crop) HolderID() string {
	if c.CurrentHolderID != "" {
		return c.CurrentHolderID
	}
	return c.FarmerID
}

// JourneyStep is one immutable custody event of a crop
type JourneyStep struct {
	ID          string    `gorm:"column:id;primaryKey;type:varchar(50)" json:"id"`
	CropID      string    `gorm:"column:crop_id;type:varchar(64);index;not null" json:"cropId"`
	Step        string    `gorm:"column:step;type:varchar(50);not null" json:"step"`
	HandlerID   string    `gorm:"column:handler_id;type:varchar(50)" json:"handlerId"`
	HandlerName string    `gorm:"column:handler_name;type:varchar(100)" json:"handlerName"`
	HandlerType string    `gorm:"column:handler_type;type:varchar(20)" json:"handlerType"`
	Location    string    `gorm:"column:location;type:varchar(255)" json:"location"`
	Notes       string    `gorm:"column:notes;type:text" json:"notes,omitempty"`
	Photos      string    `gorm:"column:photos;type:text" json:"photos,omitempty"`
	Verified    bool      `gorm:"column:verified;default:false" json:"verified"`
	Timestamp   time.Time `gorm:"column:timestamp;index;not null" json:"timestamp"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// Transaction records a payment attached to a custody transfer
type Transaction struct {
	ID                    string           `gorm:"column:id;primaryKey;type:varchar(50)" json:"id"`
	CropID                string           `gorm:"column:crop_id;type:varchar(64);index;not null" json:"cropId"`
	FromUserID            string           `gorm:"column:from_user_id;type:varchar(50);not null" json:"fromUserId"`
	ToUserID              string           `gorm:"column:to_user_id;type:varchar(50);not null" json:"toUserId"`
	Amount                decimal.Decimal  `gorm:"column:amount;type:numeric(14,2);not null" json:"amount"`
	Currency              string           `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status                string           `gorm:"column:status;type:varchar(20);not null" json:"status"` // pending, completed, failed
	Quantity              float64          `gorm:"column:quantity" json:"quantity,omitempty"`
	PricePerUnit          *decimal.Decimal `gorm:"column:price_per_unit;type:numeric(14,2)" json:"pricePerUnit,omitempty"`
	StripePaymentIntentID string           `gorm:"column:stripe_payment_intent_id;type:varchar(64)" json:"stripePaymentIntentId,omitempty"`
	BlockchainTxHash      string           `gorm:"column:blockchain_tx_hash;type:varchar(66)" json:"blockchainTxHash,omitempty"`
	Notes                 string           `gorm:"column:notes;type:text" json:"notes,omitempty"`
	CompletedAt           *time.Time       `gorm:"column:completed_at" json:"completedAt,omitempty"`
	CreatedAt             time.Time        `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt             time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string        { return "users" }
func (Crop) TableName() string        { return "crops" }
func (JourneyStep) TableName() string { return "journey" }
func (Transaction) TableName() string { return "transactions" }
