package definition

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidDefinition marks a dataset folder whose definitions break the
// naming or uniqueness rules.
var ErrInvalidDefinition = errors.New("invalid table definition")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// ValidateFolder checks every JSON definition in folder:
//   - the table section and its dataset_name and table_name are set
//   - dataset_name equals the folder name
//   - table_name equals the file's base name
//   - lowercased table names are unique
//
// The first structural problem is returned as soon as it is found. Name
// clashes are collected and reported together.
func ValidateFolder(folder string) error {
	files, err := ListFiles(folder, "*.json")
	if err != nil {
		return err
	}
	folderName := FolderName(folder)

	byLower := make(map[string][]string)
	for _, f := range files {
		fileName := strings.TrimSuffix(filepath.Base(f), ".json")

		def, err := ReadTableDefinition(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}

		table := def.Table
		if table.isEmpty() {
			return invalid("table is empty in file %s", f)
		}
		if table.DatasetName == "" {
			return invalid("dataset_name is empty in file %s", f)
		}
		if table.DatasetName != folderName {
			return invalid("dataset_name %s is not equal to dataset_folder_name %s", table.DatasetName, folderName)
		}
		if table.TableName == "" {
			return invalid("table_name is empty in file %s", f)
		}
		if fileName != table.TableName {
			return invalid("file_name %s doesn't match the table_name %s", fileName, table.TableName)
		}

		lower := strings.ToLower(table.TableName)
		byLower[lower] = append(byLower[lower], table.TableName)
	}

	var clashes []string
	for lower, names := range byLower {
		if len(names) > 1 {
			clashes = append(clashes, fmt.Sprintf("%s (%s)", lower, strings.Join(names, ", ")))
		}
	}
	if len(clashes) > 0 {
		sort.Strings(clashes)
		return invalid("the following table names are not unique: %s", strings.Join(clashes, "; "))
	}
	return nil
}
