// Package structset implements helper functions that involve structs
package structset

import (
	"reflect"
	"strings"
)

// Get tag value of field. If tag value is "-", empty string will be returned.
// If tag is empty, return name of field.
func getTagValue(field reflect.StructField, tag string) string {
	switch value := field.Tag.Get(tag); value {
	case "-":
		return ""
	case "":
		return field.Name
	default:
		return strings.Split(value, ",")[0]
	}
}

// GetStructFieldTagValues returns all tag names in a given struct for a given tag
func GetStructFieldTagValues(Struct interface{}, tag string) []string {
	typeOfS := reflect.ValueOf(Struct).Type()

	var values []string
	for i := 0; i < typeOfS.NumField(); i++ {
		if value := getTagValue(typeOfS.Field(i), tag); value != "" {
			values = append(values, value)
		}
	}
	return values
}

// GetStructFieldTagMap returns a map of tags using keyTag as map key and valueTag as map value
func GetStructFieldTagMap(Struct interface{}, keyTag string, valueTag string) map[string]string {
	typeOfS := reflect.ValueOf(Struct).Type()

	fields := make(map[string]string, typeOfS.NumField())
	for i := 0; i < typeOfS.NumField(); i++ {
		key := getTagValue(typeOfS.Field(i), keyTag)
		value := getTagValue(typeOfS.Field(i), valueTag)
		if key == "" || value == "" {
			continue
		}
		fields[key] = value
	}
	return fields
}
