package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/streamline"
	"github.com/TFMV/streamline/pkg/vectorstore"
)

func newVectorsCmd() *cobra.Command {
	vectorsCmd := &cobra.Command{
		Use:   "vectors",
		Short: "Vector file operations",
		Long:  `Commands for inspecting and growing memory-mapped vector files.`,
	}

	infoCmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show the vector count and layout of a vector file",
		Args:  cobra.ExactArgs(1),
		RunE:  runVectorsInfo,
	}
	infoCmd.Flags().Bool("json", false, "print as JSON")

	appendCmd := &cobra.Command{
		Use:   "append <file> [vector...]",
		Short: "Append vectors to a vector file",
		Long: `Append vectors given as comma-separated values, or read a JSON array of
vectors from --input ("-" for stdin). The file is created if it does not exist.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runVectorsAppend,
	}
	appendCmd.Flags().String("input", "", "JSON file holding an array of vectors")
	appendCmd.Flags().Bool("truncate", false, "discard existing vectors first")

	getCmd := &cobra.Command{
		Use:   "get <file> <index> [end]",
		Short: "Print a vector, or the vectors in [index, end)",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runVectorsGet,
	}
	getCmd.Flags().Bool("json", false, "print as JSON")

	vectorsCmd.AddCommand(infoCmd, appendCmd, getCmd)
	return vectorsCmd
}

// vectorConfig returns the configuration with the given store mode.
func vectorConfig(mode vectorstore.Mode) (streamline.Config, vectorstore.DType, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, 0, err
	}
	if cfg.VectorDimension <= 0 {
		return cfg, 0, fmt.Errorf("--dim (or vector_dimension) is required")
	}
	dtype, err := vectorstore.ParseDType(cfg.VectorDType)
	if err != nil {
		return cfg, 0, err
	}
	cfg.VectorMode = mode.String()
	return cfg, dtype, nil
}

type vectorInfo struct {
	Path      string `json:"path"`
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
	DType     string `json:"dtype"`
	Bytes     int64  `json:"bytes"`
}

func runVectorsInfo(cmd *cobra.Command, args []string) error {
	cfg, dtype, err := vectorConfig(vectorstore.ReadOnly)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	var count int
	switch dtype {
	case vectorstore.Float32:
		count, err = storeLen[float32](args[0], cfg)
	case vectorstore.Float64:
		count, err = storeLen[float64](args[0], cfg)
	case vectorstore.Int32:
		count, err = storeLen[int32](args[0], cfg)
	case vectorstore.Int64:
		count, err = storeLen[int64](args[0], cfg)
	}
	if err != nil {
		return err
	}

	info := vectorInfo{
		Path:      args[0],
		Count:     count,
		Dimension: cfg.VectorDimension,
		DType:     dtype.String(),
		Bytes:     int64(count) * int64(cfg.VectorDimension) * int64(dtype.Size()),
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, info)
	}
	fmt.Fprintf(out, "Path:      %s\n", info.Path)
	fmt.Fprintf(out, "Vectors:   %d\n", info.Count)
	fmt.Fprintf(out, "Dimension: %d\n", info.Dimension)
	fmt.Fprintf(out, "DType:     %s\n", info.DType)
	fmt.Fprintf(out, "Bytes:     %d\n", info.Bytes)
	return nil
}

func storeLen[T vectorstore.Element](path string, cfg streamline.Config) (int, error) {
	s, err := streamline.OpenVectorStore[T](path, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return s.Len(), nil
}

func runVectorsAppend(cmd *cobra.Command, args []string) error {
	truncate, _ := cmd.Flags().GetBool("truncate")
	mode := vectorstore.ReadWrite
	if truncate {
		mode = vectorstore.Create
	}
	cfg, dtype, err := vectorConfig(mode)
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")

	switch dtype {
	case vectorstore.Float32:
		return appendVectors[float32](cmd, args, input, cfg)
	case vectorstore.Float64:
		return appendVectors[float64](cmd, args, input, cfg)
	case vectorstore.Int32:
		return appendVectors[int32](cmd, args, input, cfg)
	default:
		return appendVectors[int64](cmd, args, input, cfg)
	}
}

func appendVectors[T vectorstore.Element](cmd *cobra.Command, args []string, input string, cfg streamline.Config) error {
	var vecs [][]T
	for _, arg := range args[1:] {
		v, err := parseVector[T](arg)
		if err != nil {
			return err
		}
		vecs = append(vecs, v)
	}
	if input != "" {
		fromFile, err := readVectors[T](cmd.InOrStdin(), input)
		if err != nil {
			return err
		}
		vecs = append(vecs, fromFile...)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("no vectors given")
	}

	s, err := streamline.OpenVectorStore[T](args[0], cfg, logger)
	if err != nil {
		return err
	}
	first, err := s.Append(vecs...)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append to %s: %w", args[0], err)
	}

	logger.Info("Appended vectors",
		zap.String("file", args[0]),
		zap.Int("first_index", first),
		zap.Int("count", len(vecs)))
	fmt.Fprintf(cmd.OutOrStdout(), "Appended %d vectors starting at index %d\n", len(vecs), first)
	return nil
}

func runVectorsGet(cmd *cobra.Command, args []string) error {
	cfg, dtype, err := vectorConfig(vectorstore.ReadOnly)
	if err != nil {
		return err
	}
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid index %q: %w", args[1], err)
	}
	end := start + 1
	if len(args) == 3 {
		if end, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid end index %q: %w", args[2], err)
		}
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	switch dtype {
	case vectorstore.Float32:
		return printVectors[float32](cmd.OutOrStdout(), args[0], cfg, start, end, asJSON)
	case vectorstore.Float64:
		return printVectors[float64](cmd.OutOrStdout(), args[0], cfg, start, end, asJSON)
	case vectorstore.Int32:
		return printVectors[int32](cmd.OutOrStdout(), args[0], cfg, start, end, asJSON)
	default:
		return printVectors[int64](cmd.OutOrStdout(), args[0], cfg, start, end, asJSON)
	}
}

func printVectors[T vectorstore.Element](out io.Writer, path string, cfg streamline.Config, start, end int, asJSON bool) error {
	s, err := streamline.OpenVectorStore[T](path, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	vecs, err := s.Slice(start, end)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, vecs)
	}
	for i, v := range vecs {
		parts := make([]string, len(v))
		for j, x := range v {
			parts[j] = fmt.Sprint(x)
		}
		fmt.Fprintf(out, "%d\t%s\n", start+i, strings.Join(parts, ","))
	}
	return nil
}

// parseVector parses comma-separated values.
func parseVector[T vectorstore.Element](s string) ([]T, error) {
	fields := strings.Split(s, ",")
	out := make([]T, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		var zero T
		switch any(zero).(type) {
		case float32, float64:
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q: %w", f, err)
			}
			out[i] = T(x)
		default:
			x, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q: %w", f, err)
			}
			out[i] = T(x)
		}
	}
	return out, nil
}

func readVectors[T vectorstore.Element](stdin io.Reader, input string) ([][]T, error) {
	var data []byte
	var err error
	if input == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	var vecs [][]T
	if err := sonic.Unmarshal(data, &vecs); err != nil {
		return nil, fmt.Errorf("failed to parse input file: %w", err)
	}
	return vecs, nil
}

func writeJSON(out io.Writer, v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
