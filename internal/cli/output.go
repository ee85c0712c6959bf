package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/linkgenetic/linkid-go/internal/config"
)

// encode writes v to w in the configured output format.
func encode(w io.Writer, format string, v any) error {
	var data []byte
	var err error
	switch format {
	case config.OutputJSON:
		data, err = json.MarshalIndent(v, "", "  ")
	case config.OutputYAML:
		data, err = yaml.Marshal(v)
	default:
		err = fmt.Errorf("unknown output format: %q", format)
	}
	if err != nil {
		return fmt.Errorf("encoding output as %q failed: %w", format, err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}
