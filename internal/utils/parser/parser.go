package parser

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

// MissingError reports a query parameter tagged required that was absent.
type MissingError struct{ Param string }

func (e *MissingError) Error() string { return fmt.Sprintf("%s is required", e.Param) }

// ParseQuery binds query parameters to out, a pointer to a struct, using the
// form tag. A tag may carry options after the name:
//
//	SourceURL string        `form:"source_url,required"`
//	Hold      bool          `form:"hold,default=false"`
//	Wait      time.Duration `form:"wait,default=5s"`
func ParseQuery(c *fiber.Ctx, out any) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("output must be a pointer to a struct")
	}
	elem := val.Elem()
	typ := elem.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("form")
		if tag == "" || tag == "-" {
			continue
		}
		name, required, def := splitTag(tag)
		if name == "" {
			continue
		}

		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			if required {
				return &MissingError{Param: name}
			}
			if def == "" {
				continue
			}
			raw = def
		}
		if err := setFieldValue(elem.Field(i), raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func splitTag(tag string) (name string, required bool, def string) {
	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, opt := range parts[1:] {
		switch {
		case opt == "required":
			required = true
		case strings.HasPrefix(opt, "default="):
			def = strings.TrimPrefix(opt, "default=")
		}
	}
	return name, required, def
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		field = field.Elem()
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
