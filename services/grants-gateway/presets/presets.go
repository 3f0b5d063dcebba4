// Package presets seeds named payment contracts from a YAML file at startup.
package presets

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"grantway/native/paymentrules"
	"grantway/services/grants-gateway/models"
)

// Preset is one named contract definition.
type Preset struct {
	Name        string              `yaml:"name"`
	Type        string              `yaml:"type"`
	Description string              `yaml:"description"`
	Params      paymentrules.Params `yaml:"params"`
}

// Load parses the preset file at path.
func Load(path string) ([]Preset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var file struct {
		Contracts []Preset `yaml:"contracts"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	return file.Contracts, nil
}

// Seed stores each preset as an active contract unless a contract with the
// same name already exists. It returns the number of contracts created.
func Seed(db *gorm.DB, presets []Preset) (int, error) {
	created := 0
	for _, preset := range presets {
		params, err := paymentrules.ValidateParams(preset.Type, preset.Params)
		if err != nil {
			return created, fmt.Errorf("preset %q: %w", preset.Name, err)
		}
		var count int64
		if err := db.Model(&models.PaymentContract{}).Where("name = ?", preset.Name).Count(&count).Error; err != nil {
			return created, err
		}
		if count > 0 {
			continue
		}
		now := time.Now().UTC()
		contract := models.PaymentContract{
			ID:          uuid.New(),
			Name:        preset.Name,
			Type:        preset.Type,
			Description: preset.Description,
			Status:      paymentrules.ContractStatusActive,
			Params:      params,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.Create(&contract).Error; err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
