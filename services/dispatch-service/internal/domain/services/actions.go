package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ActionSpec описание действия протокола
type ActionSpec struct {
	// Mutating действие меняет данные на площадке и расходует квоту
	Mutating bool
	// KeyParams параметры, по которым одинаковые задачи в работе считаются дубликатами
	KeyParams       []string
	DefaultPriority int
	DefaultTimeout  time.Duration
	// validate разбирает и проверяет params
	validate func(v *validator.Validate, params json.RawMessage) error
}

// actionSpecs таблица действий. Новое действие добавляется одной записью
// здесь и одним обработчиком результата в NewDispatcher.
var actionSpecs = map[models.Action]ActionSpec{
	models.ActionFetchListings: {
		DefaultPriority: 10,
		DefaultTimeout:  5 * time.Minute,
		validate:        validateAs[models.FetchListingsParams](nil),
	},
	models.ActionCreateListing: {
		Mutating:        true,
		KeyParams:       []string{"title", "price", "currency"},
		DefaultPriority: 50,
		DefaultTimeout:  3 * time.Minute,
		validate: validateAs(func(p *models.CreateListingParams) error {
			return positivePrice(p.Price)
		}),
	},
	models.ActionUpdateListing: {
		Mutating:        true,
		KeyParams:       []string{"external_id"},
		DefaultPriority: 50,
		DefaultTimeout:  2 * time.Minute,
		validate:        validateAs[models.UpdateListingParams](nil),
	},
	models.ActionDeleteListing: {
		Mutating:        true,
		KeyParams:       []string{"external_id"},
		DefaultPriority: 60,
		DefaultTimeout:  time.Minute,
		validate:        validateAs[models.DeleteListingParams](nil),
	},
	models.ActionUpdatePrice: {
		Mutating:        true,
		KeyParams:       []string{"external_id"},
		DefaultPriority: 70,
		DefaultTimeout:  time.Minute,
		validate: validateAs(func(p *models.UpdatePriceParams) error {
			return positivePrice(p.Price)
		}),
	},
	models.ActionFetchStats: {
		DefaultPriority: 20,
		DefaultTimeout:  time.Minute,
		validate:        validateAs[models.FetchStatsParams](nil),
	},
	models.ActionUploadPhoto: {
		KeyParams:       []string{"photo_key", "external_id"},
		DefaultPriority: 40,
		DefaultTimeout:  3 * time.Minute,
		validate:        validateAs[models.UploadPhotoParams](nil),
	},
}

// SpecFor возвращает описание действия
func SpecFor(action models.Action) (ActionSpec, bool) {
	spec, ok := actionSpecs[action]
	return spec, ok
}

// IsMutating сообщает, расходует ли действие квоту площадки
func IsMutating(action models.Action) bool {
	return actionSpecs[action].Mutating
}

// MutatingActions изменяющие действия в порядке models.Actions
func MutatingActions() []models.Action {
	out := make([]models.Action, 0, len(actionSpecs))
	for _, a := range models.Actions {
		if actionSpecs[a].Mutating {
			out = append(out, a)
		}
	}
	return out
}

// ValidateParams проверяет params действия
func ValidateParams(v *validator.Validate, action models.Action, params json.RawMessage) error {
	spec, ok := actionSpecs[action]
	if !ok {
		return fmt.Errorf("%w: %q", utils.ErrInvalidAction, action)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := spec.validate(v, params); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrInvalidParams, err.Error())
	}
	return nil
}

func validateAs[T any](extra func(*T) error) func(*validator.Validate, json.RawMessage) error {
	return func(v *validator.Validate, params json.RawMessage) error {
		var p T
		dec := json.NewDecoder(bytes.NewReader(params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return err
		}
		if err := v.Struct(&p); err != nil {
			return err
		}
		if extra != nil {
			return extra(&p)
		}
		return nil
	}
}

func positivePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	return nil
}

// DedupKey ключ одинаковых задач: арендатор, площадка, действие
// и значения ключевых параметров
func DedupKey(tenantID string, marketplace models.Marketplace, action models.Action, params json.RawMessage) (string, error) {
	key := map[string]json.RawMessage{}

	spec := actionSpecs[action]
	if len(spec.KeyParams) > 0 && len(params) > 0 {
		var all map[string]json.RawMessage
		if err := json.Unmarshal(params, &all); err != nil {
			return "", fmt.Errorf("%w: %s", utils.ErrInvalidParams, err.Error())
		}
		for _, name := range spec.KeyParams {
			if v, ok := all[name]; ok {
				var compact bytes.Buffer
				if err := json.Compact(&compact, v); err != nil {
					return "", fmt.Errorf("%w: %s", utils.ErrInvalidParams, err.Error())
				}
				key[name] = compact.Bytes()
			}
		}
	}

	// encoding/json сортирует ключи map, поэтому представление каноническое
	canonical, err := json.Marshal(key)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", tenantID, marketplace, action)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
