package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/LeventeLantos/relay/internal/model"
)

type userRecord struct {
	ID         string  `gorm:"primaryKey;type:text"`
	Name       string  `gorm:"type:text"`
	Email      string  `gorm:"type:text;uniqueIndex;not null"`
	Role       string  `gorm:"type:text;not null;default:user"`
	SubAdminID *string `gorm:"type:text;index"`
	APIKey     string  `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt  time.Time
}

func (userRecord) TableName() string { return "users" }

type deviceRecord struct {
	ID           string       `gorm:"primaryKey;type:text"`
	PhoneNumber  string       `gorm:"type:text;uniqueIndex;not null"`
	Model        string       `gorm:"type:text"`
	SIM          string       `gorm:"type:text"`
	Status       string       `gorm:"type:text;not null;default:active"`
	OwnerID      string       `gorm:"type:text;index;not null"`
	Users        []userRecord `gorm:"many2many:device_users;joinForeignKey:DeviceID;joinReferences:UserID"`
	RegisteredAt time.Time
}

func (deviceRecord) TableName() string { return "devices" }

// Open connects to Postgres and migrates the directory tables.
func Open(dsn string) (*gorm.DB, error) {
	return open(postgres.Open(dsn), gormConfig())
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
}

// open closes the pool it created when migration fails.
func open(dialector gorm.Dialector, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&userRecord{}, &deviceRecord{}); err != nil {
		return nil, errors.Join(fmt.Errorf("migrate directory: %w", err), Close(db))
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type GormDirectory struct {
	db *gorm.DB
}

var _ Registry = (*GormDirectory)(nil)

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *GormDirectory) ResolveUser(ctx context.Context, id string) (model.User, error) {
	var rec userRecord
	if err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.User{}, lookupErr("user "+id, err)
	}
	return rec.toModel(), nil
}

func (d *GormDirectory) ListUsersUnderSubAdmin(ctx context.Context, subAdminID string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("sub_admin_id = ?", subAdminID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", model.ErrPersistence, err)
	}
	return ids, nil
}

func (d *GormDirectory) ListDevicesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Raw(`
		SELECT DISTINCT d.id
		FROM devices d
		LEFT JOIN device_users du ON du.device_id = d.id
		WHERE d.owner_id = ? OR du.user_id = ?
	`, ownerID, ownerID).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", model.ErrPersistence, err)
	}
	return ids, nil
}

func (d *GormDirectory) FindDevice(ctx context.Context, id string) (model.Device, error) {
	var rec deviceRecord
	if err := d.db.WithContext(ctx).Preload("Users").First(&rec, "id = ?", id).Error; err != nil {
		return model.Device{}, lookupErr("device "+id, err)
	}
	return rec.toModel(), nil
}

func (d *GormDirectory) FindByAPIKey(ctx context.Context, key string) (model.User, error) {
	if key == "" {
		return model.User{}, fmt.Errorf("api key: %w", model.ErrNotFound)
	}
	var rec userRecord
	if err := d.db.WithContext(ctx).First(&rec, "api_key = ?", key).Error; err != nil {
		return model.User{}, lookupErr("api key", err)
	}
	return rec.toModel(), nil
}

func (d *GormDirectory) RegisterUser(ctx context.Context, in NewUser) (model.User, error) {
	if err := validateNewUser(in); err != nil {
		return model.User{}, err
	}

	rec := userRecord{
		ID:         uuid.NewString(),
		Name:       in.Name,
		Email:      in.Email,
		Role:       string(in.Role),
		SubAdminID: model.StringPtr(in.SubAdminID),
		APIKey:     uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.SubAdminID != "" {
			var parent userRecord
			err := tx.First(&parent, "id = ? AND role = ?", in.SubAdminID, string(model.RoleSubAdmin)).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.Invalid("subAdminId", "must reference a sub_admin")
			}
			if err != nil {
				return err
			}
		}
		return tx.Create(&rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return model.User{}, model.Invalid("email", "already registered")
	}
	if err != nil {
		return model.User{}, writeErr("register user", err)
	}
	return rec.toModel(), nil
}

func (d *GormDirectory) RegisterDevice(ctx context.Context, subAdminID string, in NewDevice) (model.Device, error) {
	if err := validateNewDevice(in); err != nil {
		return model.Device{}, err
	}

	owner, err := d.ResolveUser(ctx, subAdminID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && owner.Role != model.RoleSubAdmin) {
		return model.Device{}, fmt.Errorf("only sub_admins can register devices: %w", model.ErrForbidden)
	}
	if err != nil {
		return model.Device{}, err
	}

	rec := deviceRecord{
		ID:           uuid.NewString(),
		PhoneNumber:  in.PhoneNumber,
		Model:        in.Model,
		SIM:          in.SIM,
		Status:       string(model.DeviceActive),
		OwnerID:      subAdminID,
		RegisteredAt: time.Now().UTC(),
	}
	err = d.db.WithContext(ctx).Omit("Users").Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return model.Device{}, model.Invalid("phoneNumber", "already registered")
	}
	if err != nil {
		return model.Device{}, writeErr("register device", err)
	}
	return rec.toModel(), nil
}

func (d *GormDirectory) AssignDevice(ctx context.Context, subAdminID, deviceID string, userIDs []string) (model.Device, error) {
	if len(userIDs) == 0 {
		return model.Device{}, model.Invalid("userIds", "at least one user required")
	}
	ids := slices.Compact(slices.Sorted(slices.Values(userIDs)))

	var dev deviceRecord
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var users []userRecord
		if err := tx.Where("id IN ? AND sub_admin_id = ?", ids, subAdminID).Find(&users).Error; err != nil {
			return err
		}
		if len(users) != len(ids) {
			return fmt.Errorf("some users are not under sub-admin %s: %w", subAdminID, model.ErrForbidden)
		}

		err := tx.Preload("Users").First(&dev, "id = ? AND owner_id = ?", deviceID, subAdminID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("device %s for sub-admin %s: %w", deviceID, subAdminID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var missing []userRecord
		for _, u := range users {
			if !slices.ContainsFunc(dev.Users, func(x userRecord) bool { return x.ID == u.ID }) {
				missing = append(missing, u)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		if err := tx.Model(&dev).Association("Users").Append(&missing); err != nil {
			return err
		}
		return tx.Preload("Users").First(&dev, "id = ?", deviceID).Error
	})
	if err != nil {
		return model.Device{}, writeErr("assign device", err)
	}
	return dev.toModel(), nil
}

func (r userRecord) toModel() model.User {
	return model.User{
		ID:         r.ID,
		Name:       r.Name,
		Email:      r.Email,
		Role:       model.Role(r.Role),
		SubAdminID: r.SubAdminID,
		APIKey:     r.APIKey,
		CreatedAt:  r.CreatedAt,
	}
}

func (r deviceRecord) toModel() model.Device {
	ids := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		ids = append(ids, u.ID)
	}
	return model.Device{
		ID:           r.ID,
		PhoneNumber:  r.PhoneNumber,
		Model:        r.Model,
		SIM:          r.SIM,
		Status:       model.DeviceStatus(r.Status),
		OwnerID:      r.OwnerID,
		UserIDs:      ids,
		RegisteredAt: r.RegisteredAt,
	}
}

func lookupErr(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPersistence, what, err)
}

// writeErr keeps domain errors intact and tags everything else as a
// persistence failure.
func writeErr(op string, err error) error {
	if model.IsValidation(err) || errors.Is(err, model.ErrForbidden) || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPersistence, op, err)
}
