package scanmgr

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Well-known setting UUIDs. Per-user rows shadow the global row
// (owner 0); compiled defaults cover a store with neither.
const (
	SettingSeverityClass   = "f16bb236-a32d-4cd5-a880-e0fcf2599f59"
	SettingDynamicSeverity = "77ec2444-e7f2-4a80-a59b-f4237782d93f"
	SettingDefaultSeverity = "7eda49c5-096c-4bef-b1ab-d080d87300df"
)

var settingDefaults = map[string]settingDefault{
	SettingSeverityClass:   {"Severity Class", string(DefaultSeverityClass)},
	SettingDynamicSeverity: {"Dynamic Severity", "0"},
	SettingDefaultSeverity: {"Default Severity", "10.0"},
}

type settingDefault struct {
	name  string
	value string
}

type settingRepo struct {
	Repository
	cache *expirable.LRU[string, string]
}

func settingKey(userID uint, uuid string) string {
	return fmt.Sprintf("%d/%s", userID, uuid)
}

// Resolved value of a setting for a user: the user's own row, else the
// global row, else the compiled default.
func (r *settingRepo) value(userID uint, uuid string) (string, error) {
	key := settingKey(userID, uuid)
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	var rows []*Setting
	err := r.WithTransaction(func(d *gorm.DB) error {
		// owner_id DESC sorts the user's row above the global one
		q := d.Where("uuid = ? AND owner_id IN ?", uuid, []uint{userID, 0}).
			Order("owner_id DESC").
			Limit(1).
			Find(&rows)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find setting")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	value := settingDefaults[uuid].value
	if len(rows) > 0 {
		value = rows[0].Value
	}

	r.cache.Add(key, value)
	return value, nil
}

func (r *settingRepo) put(userID uint, uuid, value string) error {
	name := settingDefaults[uuid].name
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uuid"}, {Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "name"}),
		}).Create(&Setting{UUID: uuid, OwnerID: userID, Name: name, Value: value})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to store setting")
		}

		r.cache.Remove(settingKey(userID, uuid))
		if userID == 0 {
			// a new global default invalidates every resolved value
			r.cache.Purge()
		}
		return nil
	})
}

// The user's classification scheme. Unrecognized stored values fall
// back to the default scheme rather than failing the request.
func (r *settingRepo) severityClass(userID uint) (SeverityClass, error) {
	v, err := r.value(userID, SettingSeverityClass)
	if err != nil {
		return DefaultSeverityClass, err
	}

	switch class := SeverityClass(v); class {
	case CLASS_NIST, CLASS_BSI, CLASS_CLASSIC, CLASS_PCI_DSS:
		return class, nil
	default:
		log.Warn().Msgf("unknown severity class %q, using %s", v, DefaultSeverityClass)
		return DefaultSeverityClass, nil
	}
}

func (r *settingRepo) dynamicSeverity(userID uint) (bool, error) {
	v, err := r.value(userID, SettingDynamicSeverity)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (r *settingRepo) defaultSeverity(userID uint) (float64, error) {
	v, err := r.value(userID, SettingDefaultSeverity)
	if err != nil {
		return SeverityMax, err
	}

	severity, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return SeverityMax, errors.Wrapf(err, "malformed default severity %q", v)
	}
	return severity, nil
}
