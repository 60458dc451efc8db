package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/gonnx/internal/tensor"
)

// feedTensor is the JSON form of one input or output tensor.
type feedTensor struct {
	DType string    `json:"dtype"`
	Shape []int64   `json:"shape"`
	Data  []float64 `json:"data"`
}

func newRunCmd() *cobra.Command {
	var inputsPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one inference over inputs read from a JSON file or stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			var reader io.Reader = cmd.InOrStdin()
			if inputsPath != "" && inputsPath != "-" {
				f, err := os.Open(inputsPath)
				if err != nil {
					return fmt.Errorf("open inputs: %w", err)
				}
				defer func() { _ = f.Close() }()
				reader = f
			}

			var feed map[string]feedTensor
			if err := json.NewDecoder(reader).Decode(&feed); err != nil {
				return fmt.Errorf("decode inputs: %w", err)
			}
			inputs := make(map[string]*tensor.Tensor, len(feed))
			for name, ft := range feed {
				t, err := ft.tensor()
				if err != nil {
					return fmt.Errorf("input %q: %w", name, err)
				}
				inputs[name] = t
			}

			sess, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			outputs, err := sess.Run(cmd.Context(), inputs)
			if err != nil {
				return err
			}

			result := make(map[string]feedTensor, len(outputs))
			for name, t := range outputs {
				ft, err := fromTensor(t)
				if err != nil {
					return fmt.Errorf("output %q: %w", name, err)
				}
				result[name] = ft
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&inputsPath, "inputs", "-", "Path to the JSON input feed (- for stdin)")

	return cmd
}

func (ft feedTensor) tensor() (*tensor.Tensor, error) {
	dtype, err := tensor.ParseDType(ft.DType)
	if err != nil {
		return nil, err
	}
	shape := ft.Shape
	if shape == nil {
		shape = []int64{}
	}

	switch dtype {
	case tensor.DTypeFloat32:
		data := make([]float32, len(ft.Data))
		for i, v := range ft.Data {
			data[i] = float32(v)
		}
		return tensor.New(data, shape)
	case tensor.DTypeFloat64:
		return tensor.New(append([]float64(nil), ft.Data...), shape)
	case tensor.DTypeInt32:
		data := make([]int32, len(ft.Data))
		for i, v := range ft.Data {
			data[i] = int32(v)
		}
		return tensor.New(data, shape)
	case tensor.DTypeInt64:
		data := make([]int64, len(ft.Data))
		for i, v := range ft.Data {
			data[i] = int64(v)
		}
		return tensor.New(data, shape)
	default:
		return nil, fmt.Errorf("dtype %s is not supported in the JSON feed", dtype)
	}
}

func fromTensor(t *tensor.Tensor) (feedTensor, error) {
	ft := feedTensor{DType: t.DType().String(), Shape: t.Shape()}
	if ft.Shape == nil {
		ft.Shape = []int64{}
	}

	switch t.DType() {
	case tensor.DTypeFloat64:
		d, err := t.Float64s()
		if err != nil {
			return feedTensor{}, err
		}
		ft.Data = d
	case tensor.DTypeInt64:
		ints, err := t.Int64s()
		if err != nil {
			return feedTensor{}, err
		}
		ft.Data = make([]float64, len(ints))
		for i, v := range ints {
			ft.Data[i] = float64(v)
		}
	default:
		f, err := t.Float32s()
		if err != nil {
			return feedTensor{}, err
		}
		ft.Data = make([]float64, len(f))
		for i, v := range f {
			ft.Data[i] = float64(v)
		}
	}
	return ft, nil
}
