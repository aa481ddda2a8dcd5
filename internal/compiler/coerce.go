package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"metaquery/internal/queryerr"
	"metaquery/internal/sqltype"
	"metaquery/internal/uuidutil"

	"github.com/cockroachdb/apd/v3"
)

const dateLayout = "2006-01-02"

// Layouts accepted for date-times without an offset; they are read in the configured zone.
var naiveDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	dateLayout,
}

// coercer converts request literals into driver values for one semantic type.
type coercer struct {
	loc *time.Location
}

// coerce returns the bind value of v. Decimals and dates are bound as their canonical
// text so the database, not the driver, does the final conversion.
func (c coercer) coerce(typ sqltype.SemanticType, v any) (any, error) {
	if v == nil {
		return nil, coercionError(typ, v, errors.New("value is null"))
	}
	var (
		out any
		err error
	)
	switch typ {
	case sqltype.TypeDecimal:
		out, err = coerceDecimal(v)
	case sqltype.TypeInteger:
		out, err = coerceInteger(v)
	case sqltype.TypeBoolean:
		out, err = coerceBoolean(v)
	case sqltype.TypeLocalDate:
		out, err = c.coerceDate(v)
	case sqltype.TypeOffsetDateTime:
		out, err = c.coerceDateTime(v)
	case sqltype.TypeUUID:
		out, err = uuidutil.Canonical(v)
	case sqltype.TypeJSON:
		out, err = coerceJSON(v)
	default:
		out, err = coerceString(v)
	}
	if err != nil {
		return nil, coercionError(typ, v, err)
	}
	return out, nil
}

// text renders a coerced value as the element text of a PostgreSQL array literal.
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func coercionError(typ sqltype.SemanticType, v any, cause error) *queryerr.Error {
	return queryerr.New(queryerr.KindValueCoercion, "expected a %s value", typ).
		WithValue(v).
		WithCause(cause)
}

func numberText(v any) (string, error) {
	switch x := v.(type) {
	case json.Number:
		return x.String(), nil
	case string:
		return strings.TrimSpace(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", errors.New("value is not finite")
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return numberText(float64(x))
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", v)
	}
}

func parseDecimal(v any) (*apd.Decimal, error) {
	raw, err := numberText(v)
	if err != nil {
		return nil, err
	}
	d, _, err := apd.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	if d.Form != apd.Finite {
		return nil, errors.New("value is not finite")
	}
	return d, nil
}

func coerceDecimal(v any) (string, error) {
	d, err := parseDecimal(v)
	if err != nil {
		return "", err
	}
	return d.Text('f'), nil
}

func coerceInteger(v any) (int64, error) {
	d, err := parseDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.Int64()
}

func coerceBoolean(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	raw, err := numberText(v)
	if err != nil {
		return false, err
	}
	switch raw {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%s is not 0 or 1", raw)
}

func (c coercer) coerceDate(v any) (string, error) {
	switch x := v.(type) {
	case time.Time:
		return x.In(c.loc).Format(dateLayout), nil
	case string:
		raw := strings.TrimSpace(x)
		if d, err := time.ParseInLocation(dateLayout, raw, c.loc); err == nil {
			return d.Format(dateLayout), nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return "", fmt.Errorf("%q is not a YYYY-MM-DD date", raw)
		}
		return t.In(c.loc).Format(dateLayout), nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", v)
	}
}

func (c coercer) coerceDateTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		raw := strings.TrimSpace(x)
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, nil
		}
		for _, layout := range naiveDateTimeLayouts {
			if t, err := time.ParseInLocation(layout, raw, c.loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 date-time", raw)
	default:
		return time.Time{}, fmt.Errorf("unsupported literal type %T", v)
	}
}

func coerceJSON(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if !json.Valid([]byte(x)) {
			return "", errors.New("value is not a JSON document")
		}
		return x, nil
	case json.Number:
		return x.String(), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func coerceString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return numberText(v)
}
