package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/repository/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdentity keeps plain-text credentials in memory
type fakeIdentity struct {
	mu          sync.Mutex
	accounts    map[string]fakeAccount
	sessions    map[string]*identity.Session
	failSession error
}

type fakeAccount struct {
	userID   string
	password string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		accounts: map[string]fakeAccount{},
		sessions: map[string]*identity.Session{},
	}
}

func (f *fakeIdentity) CreateAccount(_ context.Context, userID, email, password, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[email]; ok {
		return identity.ErrAccountExists
	}
	f.accounts[email] = fakeAccount{userID: userID, password: password}
	return nil
}

func (f *fakeIdentity) DeleteAccount(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, email)
	return nil
}

func (f *fakeIdentity) CreateSession(_ context.Context, email, password string) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSession != nil {
		return nil, f.failSession
	}
	acc, ok := f.accounts[email]
	if !ok || acc.password != password {
		return nil, identity.ErrInvalidCredentials
	}
	s := &identity.Session{ID: uuid.NewString(), UserID: acc.userID, Email: email, ExpiresAt: time.Now().Add(time.Hour)}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeIdentity) GetSession(_ context.Context, id string) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, identity.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeIdentity) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeIdentity) hasAccount(email string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[email]
	return ok
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) byTopic(topic string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	svc   *Service
	repo  *repository.Repository
	ident *fakeIdentity
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	repo := repository.NewRepository(cmtlog.NewNopLogger())
	require.NoError(t, repo.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())))
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{repo: repo, ident: newFakeIdentity(), pub: &recordingPublisher{}}
	env.svc = NewService(repo, env.ident, env.pub, cmtlog.NewNopLogger(), opts)
	return env
}

func (e *testEnv) register(t *testing.T, name, phone, role string) *RegisteredUser {
	t.Helper()
	u, err := e.svc.Register(context.Background(), RegisterRequest{
		Name:     name,
		Phone:    phone,
		Email:    phone + "@croptrace.test",
		Password: "secret1",
		UserType: role,
	})
	require.NoError(t, err)
	return u
}

func (e *testEnv) addCrop(t *testing.T, farmerID string) *models.Crop {
	t.Helper()
	crop, err := e.svc.AddCrop(context.Background(), AddCropRequest{Name: "Rice", Quantity: 50, Unit: "kg", FarmerID: farmerID})
	require.NoError(t, err)
	return crop
}

func TestScenario_FarmerToDistributor(t *testing.T) {
	env := newTestEnv(t, Options{AllowDemoLogin: true})
	ctx := context.Background()

	asha, err := env.svc.Register(ctx, RegisterRequest{
		Name:     "Asha",
		Phone:    "9999999999",
		Email:    "asha@example.com",
		Password: "secret1",
		UserType: models.RoleFarmer,
	})
	require.NoError(t, err)
	require.NotEmpty(t, asha.UserID)

	login, err := env.svc.Login(ctx, LoginRequest{Phone: "9999999999", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, asha.UserID, login.UserID)
	assert.NotEmpty(t, login.SessionID)
	assert.False(t, login.Demo)

	crop, err := env.svc.AddCrop(ctx, AddCropRequest{Name: "Rice", Quantity: 50, Unit: "kg", FarmerID: asha.UserID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusHarvested, crop.Status)
	assert.Regexp(t, `^CROP_\d+_[0-9a-z]{9}$`, crop.CropID)

	detail, err := env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	require.Len(t, detail.Journey, 1)
	assert.Equal(t, "Harvested", detail.Journey[0].Step)
	assert.Equal(t, "Asha", detail.Journey[0].HandlerName)
	assert.Equal(t, "Farm Location", detail.Journey[0].Location)
	assert.True(t, detail.Journey[0].Verified)

	raj := env.register(t, "Raj", "8888888888", models.RoleDistributor)
	err = env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{
		ToUserID:   raj.UserID,
		ToUserName: "Raj",
		ToUserType: models.RoleDistributor,
		Status:     models.StatusWithDistributor,
		Location:   "Nashik Depot",
	})
	require.NoError(t, err)

	detail, err = env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithDistributor, detail.Status)
	assert.Equal(t, raj.UserID, detail.CurrentHolderID)
	require.Len(t, detail.Journey, 2)
	assert.Equal(t, "Transferred to Raj", detail.Journey[1].Notes)
	assert.False(t, detail.Journey[1].Timestamp.Before(detail.Journey[0].Timestamp))

	created := env.pub.byTopic(events.TopicCropCreated)
	require.Len(t, created, 1)
	assert.Equal(t, crop.CropID, created[0].Payload.(events.CropCreated).CropID)

	changed := env.pub.byTopic(events.TopicCustodyChanged)
	require.Len(t, changed, 1)
	payload := changed[0].Payload.(events.CustodyChanged)
	assert.Equal(t, asha.UserID, payload.FromHolderID)
	assert.Equal(t, raj.UserID, payload.ToHolderID)
	assert.Empty(t, payload.Notes)
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	valid := RegisterRequest{Name: "A", Phone: "1", Email: "a@x.com", Password: "secret1", UserType: models.RoleFarmer}
	tests := []struct {
		name    string
		mutate  func(r *RegisterRequest)
		message string
	}{
		{"missing name", func(r *RegisterRequest) { r.Name = "" }, "Name, phone, email, password, and userType are required"},
		{"missing email", func(r *RegisterRequest) { r.Email = "" }, "Name, phone, email, password, and userType are required"},
		{"short password", func(r *RegisterRequest) { r.Password = "12345" }, "Password must be at least 6 characters long"},
		{"unknown role", func(r *RegisterRequest) { r.UserType = "inspector" }, "Invalid user type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := env.svc.Register(ctx, req)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Equal(t, tt.message, err.Error())
		})
	}
}

func TestRegister_RoleData(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	u, err := env.svc.Register(ctx, RegisterRequest{
		Name: "Asha", Phone: "1", Email: "a@x.com", Password: "secret1", UserType: models.RoleFarmer,
		Address: &Address{Village: "Rampur", State: "MH"},
		RoleData: &RoleData{
			FarmSize:    "5 acres",
			CropTypes:   []string{"rice", "wheat"},
			BankAccount: &BankAccount{AccountNumber: "123", IFSCCode: "SBIN0001", BankName: "SBI"},
			CompanyName: "ignored for farmers",
		},
	})
	require.NoError(t, err)

	user, err := env.svc.GetUser(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Rampur", user.Village)
	assert.Equal(t, `["rice","wheat"]`, user.CropTypes)
	assert.Equal(t, "SBIN0001", user.BankIFSC)
	assert.Empty(t, user.CompanyName)
	assert.False(t, user.Verified)
	assert.Equal(t, "english", user.PreferredLanguage)
}

func TestRegister_Duplicates(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.register(t, "Asha", "1", models.RoleFarmer)

	_, err := env.svc.Register(ctx, RegisterRequest{Name: "B", Phone: "1", Email: "b@x.com", Password: "secret1", UserType: models.RoleRetailer})
	assert.True(t, IsValidation(err))

	_, err = env.svc.Register(ctx, RegisterRequest{Name: "B", Phone: "2", Email: "1@croptrace.test", Password: "secret1", UserType: models.RoleRetailer})
	assert.True(t, IsValidation(err))
}

// failingUserStore rejects every user insert
type failingUserStore struct {
	*repository.Repository
}

func (failingUserStore) CreateUser(context.Context, *models.User) error {
	return &repository.RepositoryError{Code: repository.CodeCreateFailed, Message: "Failed to create user", Detail: "disk full"}
}

func TestRegister_RemovesAccountWhenStoreFails(t *testing.T) {
	env := newTestEnv(t, Options{})
	svc := NewService(failingUserStore{env.repo}, env.ident, nil, cmtlog.NewNopLogger(), Options{})

	_, err := svc.Register(context.Background(), RegisterRequest{Name: "A", Phone: "1", Email: "a@x.com", Password: "secret1", UserType: models.RoleFarmer})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, env.ident.hasAccount("a@x.com"))
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("phone required", func(t *testing.T) {
		env := newTestEnv(t, Options{AllowDemoLogin: true})
		_, err := env.svc.Login(ctx, LoginRequest{})
		assert.True(t, IsValidation(err))
	})

	t.Run("unknown phone", func(t *testing.T) {
		env := newTestEnv(t, Options{AllowDemoLogin: true})
		_, err := env.svc.Login(ctx, LoginRequest{Phone: "404"})
		assert.True(t, IsNotFound(err))
		assert.Equal(t, "User not found", err.(*Error).Message)
	})

	t.Run("demo fallback", func(t *testing.T) {
		env := newTestEnv(t, Options{AllowDemoLogin: true})
		u := env.register(t, "Asha", "1", models.RoleFarmer)
		env.ident.failSession = errors.New("identity provider down")

		res, err := env.svc.Login(ctx, LoginRequest{Phone: "1", Password: "secret1"})
		require.NoError(t, err)
		assert.True(t, res.Demo)
		assert.Equal(t, u.UserID, res.UserID)
		assert.Empty(t, res.SessionID)
	})

	t.Run("fallback disabled", func(t *testing.T) {
		env := newTestEnv(t, Options{AllowDemoLogin: false})
		env.register(t, "Asha", "1", models.RoleFarmer)

		_, err := env.svc.Login(ctx, LoginRequest{Phone: "1", Password: "wrong-password"})
		assert.Equal(t, KindUnauthorized, KindOf(err))

		env.ident.failSession = errors.New("identity provider down")
		_, err = env.svc.Login(ctx, LoginRequest{Phone: "1", Password: "secret1"})
		assert.Equal(t, KindUpstream, KindOf(err))
	})
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	u := env.register(t, "Asha", "1", models.RoleFarmer)

	res, err := env.svc.Login(ctx, LoginRequest{Phone: "1", Password: "secret1"})
	require.NoError(t, err)
	session, err := env.ident.GetSession(ctx, res.SessionID)
	require.NoError(t, err)

	user, err := env.svc.SessionUser(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, user.ID)

	require.NoError(t, env.svc.Logout(ctx, session))
	_, err = env.ident.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, identity.ErrSessionNotFound)

	_, err = env.svc.SessionUser(ctx, nil)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, KindUnauthorized, KindOf(env.svc.Logout(ctx, nil)))
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	raj := env.register(t, "Raj", "2", models.RoleDistributor)
	session := &identity.Session{ID: "s", UserID: raj.UserID}

	name := "Raj Traders"
	user, err := env.svc.UpdateProfile(ctx, session, raj.UserID, ProfileUpdate{
		Name:     &name,
		Address:  &Address{District: "Nashik"},
		RoleData: &RoleData{CompanyName: "Raj Agro", GSTNumber: "27ABCDE1234F1Z5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Raj Traders", user.Name)
	assert.Equal(t, "Nashik", user.District)
	assert.Equal(t, "Raj Agro", user.CompanyName)

	phone := "2"
	_, err = env.svc.UpdateProfile(ctx, session, raj.UserID, ProfileUpdate{Phone: &phone})
	assert.NoError(t, err, "echoing an unchanged phone is allowed")

	tests := []struct {
		name    string
		session *identity.Session
		userID  string
		update  ProfileUpdate
		kind    Kind
	}{
		{"anonymous", nil, raj.UserID, ProfileUpdate{}, KindUnauthorized},
		{"someone else", &identity.Session{UserID: "other"}, raj.UserID, ProfileUpdate{}, KindForbidden},
		{"change phone", session, raj.UserID, ProfileUpdate{Phone: strPtr("3")}, KindValidation},
		{"change role", session, raj.UserID, ProfileUpdate{UserType: strPtr(models.RoleFarmer)}, KindValidation},
		{"farmer data on distributor", session, raj.UserID, ProfileUpdate{RoleData: &RoleData{FarmSize: "2"}}, KindValidation},
		{"empty name", session, raj.UserID, ProfileUpdate{Name: strPtr(" ")}, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.UpdateProfile(ctx, tt.session, tt.userID, tt.update)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func strPtr(s string) *string { return &s }

func TestAddCrop_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  AddCropRequest
	}{
		{"no name", AddCropRequest{Quantity: 1, Unit: "kg", FarmerID: "f"}},
		{"no unit", AddCropRequest{Name: "Rice", Quantity: 1, FarmerID: "f"}},
		{"no farmer", AddCropRequest{Name: "Rice", Quantity: 1, Unit: "kg"}},
		{"zero quantity", AddCropRequest{Name: "Rice", Unit: "kg", FarmerID: "f"}},
		{"bad date", AddCropRequest{Name: "Rice", Quantity: 1, Unit: "kg", FarmerID: "f", HarvestDate: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.AddCrop(ctx, tt.req)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, env.pub.byTopic(events.TopicCropCreated))
}

func TestAddCrop_Details(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	crop, err := env.svc.AddCrop(ctx, AddCropRequest{
		Name: "Wheat", Quantity: 20, Unit: "quintal", FarmerID: "unknown-farmer",
		HarvestDate: "2024-03-01", FarmAddress: "Plot 7", PricePerUnit: decimal.RequireFromString("12.50"),
		Certifications: []string{"organic"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), crop.HarvestDate)
	assert.Equal(t, "USD", crop.Currency)
	assert.Equal(t, `["organic"]`, crop.Certifications)
	assert.JSONEq(t,
		fmt.Sprintf(`{"cropId":%q,"name":"Wheat","farmerId":"unknown-farmer","harvestDate":"2024-03-01T00:00:00Z"}`, crop.CropID),
		crop.QRCodeData)

	detail, err := env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	assert.Equal(t, "Farmer", detail.Journey[0].HandlerName)
	assert.Equal(t, "Plot 7", detail.Journey[0].Location)
	assert.Equal(t, "Crop harvested and added to system", detail.Journey[0].Notes)
}

func TestGetCrop_NotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.svc.GetCrop(context.Background(), "CROP_missing")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "Crop not found", err.(*Error).Message)
}

func TestTransferCustody_Transactions(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	asha := env.register(t, "Asha", "1", models.RoleFarmer)

	tests := []struct {
		name         string
		amount       string
		pricePerUnit string
		wantTx       bool
	}{
		{"amount and price", "250", "5", true},
		{"amount only", "250", "0", false},
		{"price only", "0", "5", false},
		{"neither", "0", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop := env.addCrop(t, asha.UserID)
			err := env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{
				ToUserID:     "raj",
				ToUserName:   "Raj",
				Status:       models.StatusWithDistributor,
				Amount:       decimal.RequireFromString(tt.amount),
				PricePerUnit: decimal.RequireFromString(tt.pricePerUnit),

				PaymentIntentID: "pi_mock_1",
			})
			require.NoError(t, err)

			txs, err := env.svc.CropTransactions(ctx, crop.CropID)
			require.NoError(t, err)
			if !tt.wantTx {
				assert.Empty(t, txs)
				return
			}
			require.Len(t, txs, 1)
			tx := txs[0]
			assert.Equal(t, models.TxCompleted, tx.Status)
			assert.True(t, decimal.NewFromInt(250).Equal(tx.Amount))
			assert.Equal(t, asha.UserID, tx.FromUserID)
			assert.Equal(t, "raj", tx.ToUserID)
			assert.Equal(t, float64(50), tx.Quantity)
			assert.Equal(t, "USD", tx.Currency)
			assert.Equal(t, "pi_mock_1", tx.StripePaymentIntentID)
			assert.Equal(t, fmt.Sprintf("Transfer from %s to raj", asha.UserID), tx.Notes)
			assert.NotNil(t, tx.CompletedAt)
		})
	}
}

func TestTransferCustody_Permissive(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	crop := env.addCrop(t, "asha")

	// Skipping stages and transferring to oneself are both accepted
	require.NoError(t, env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{ToUserID: "asha", Status: models.StatusSold}))
	detail, err := env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, detail.Status)
	assert.Equal(t, "Transferred to asha", detail.Journey[1].Notes)
}

func TestTransferCustody_StrictPipeline(t *testing.T) {
	env := newTestEnv(t, Options{StrictPipeline: true})
	ctx := context.Background()
	crop := env.addCrop(t, "asha")

	err := env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{ToUserID: "shop", Status: models.StatusSold})
	assert.True(t, IsValidation(err))

	detail, err := env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHarvested, detail.Status)
	assert.Len(t, detail.Journey, 1)
	assert.Empty(t, env.pub.byTopic(events.TopicCustodyChanged))

	for _, status := range []string{models.StatusWithDistributor, models.StatusWithRetailer, models.StatusSold} {
		require.NoError(t, env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{ToUserID: "next", Status: status}))
	}
	assert.Len(t, env.pub.byTopic(events.TopicCustodyChanged), 3)
}

func TestTransferCustody_Errors(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	crop := env.addCrop(t, "asha")

	tests := []struct {
		name   string
		cropID string
		req    TransferRequest
		kind   Kind
	}{
		{"unknown crop", "CROP_missing", TransferRequest{ToUserID: "raj", Status: models.StatusWithDistributor}, KindNotFound},
		{"no destination", crop.CropID, TransferRequest{Status: models.StatusWithDistributor}, KindValidation},
		{"no status", crop.CropID, TransferRequest{ToUserID: "raj"}, KindValidation},
		{"unknown status", crop.CropID, TransferRequest{ToUserID: "raj", Status: "lost"}, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.TransferCustody(ctx, tt.cropID, tt.req)
			assert.Equal(t, tt.kind, KindOf(err), "got %v", err)
		})
	}
}

func TestTransferCustody_PublishFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	crop := env.addCrop(t, "asha")
	env.pub.err = errors.New("broker gone")

	require.NoError(t, env.svc.TransferCustody(ctx, crop.CropID, TransferRequest{ToUserID: "raj", Status: models.StatusWithDistributor}))
	detail, err := env.svc.GetCrop(ctx, crop.CropID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithDistributor, detail.Status)
	assert.Len(t, detail.Journey, 2)
}

func TestCropQueries(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	harvested := env.addCrop(t, "asha")
	atDistributor := env.addCrop(t, "asha")
	atRetailer := env.addCrop(t, "other-farmer")
	require.NoError(t, env.svc.TransferCustody(ctx, atDistributor.CropID, TransferRequest{ToUserID: "raj", Status: models.StatusWithDistributor}))
	require.NoError(t, env.svc.TransferCustody(ctx, atRetailer.CropID, TransferRequest{ToUserID: "shop", Status: models.StatusWithRetailer}))

	ids := func(crops []models.Crop) []string {
		out := []string{}
		for _, c := range crops {
			out = append(out, c.CropID)
		}
		return out
	}

	crops, err := env.svc.AvailableCrops(ctx, models.RoleDistributor)
	require.NoError(t, err)
	assert.Equal(t, []string{harvested.CropID}, ids(crops))

	crops, err = env.svc.AvailableCrops(ctx, models.RoleRetailer)
	require.NoError(t, err)
	assert.Equal(t, []string{atDistributor.CropID}, ids(crops))

	_, err = env.svc.AvailableCrops(ctx, models.RoleFarmer)
	assert.True(t, IsValidation(err))
	_, err = env.svc.AvailableCrops(ctx, "")
	assert.True(t, IsValidation(err))

	crops, err = env.svc.MyCrops(ctx, "asha", models.RoleFarmer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{harvested.CropID, atDistributor.CropID}, ids(crops))

	crops, err = env.svc.MyCrops(ctx, "raj", models.RoleDistributor)
	require.NoError(t, err)
	assert.Equal(t, []string{atDistributor.CropID}, ids(crops))

	crops, err = env.svc.MyCrops(ctx, "shop", models.RoleRetailer)
	require.NoError(t, err)
	assert.Equal(t, []string{atRetailer.CropID}, ids(crops))

	_, err = env.svc.MyCrops(ctx, "raj", "")
	assert.True(t, IsValidation(err))
	_, err = env.svc.MyCrops(ctx, "raj", "inspector")
	assert.True(t, IsValidation(err))

	crops, err = env.svc.ListFarmerCrops(ctx, "other-farmer")
	require.NoError(t, err)
	assert.Equal(t, []string{atRetailer.CropID}, ids(crops))

	_, err = env.svc.CropTransactions(ctx, "CROP_missing")
	assert.True(t, IsNotFound(err))
}

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, 400},
		{KindUnauthorized, 401},
		{KindForbidden, 403},
		{KindNotFound, 404},
		{KindUpstream, 500},
		{KindInternal, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.HTTPStatus())
	}
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
