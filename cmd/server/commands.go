package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"facegate/internal/codec"
	"facegate/internal/facedb"

	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <identity> <image>...",
	Short: "Add reference images for an identity",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runEnroll,
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>",
	Short: "Recognize the most prominent face in an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecognize,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities and their reference images",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <identity> [filename]",
	Short: "Remove an identity or a single reference image",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDelete,
}

var annotatedOut string

func init() {
	rootCmd.AddCommand(enrollCmd, recognizeCmd, listCmd, deleteCmd)
	recognizeCmd.Flags().StringVarP(&annotatedOut, "output", "o", "", "Write the annotated image (JPEG) to this path")
}

func openStore() (*facedb.Store, func(), error) {
	cfg, closer, err := setup()
	if err != nil {
		return nil, nil, err
	}
	store, err := facedb.Open(cfg.FaceDB.Root)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return store, func() { closer.Close() }, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	store, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	identity := args[0]
	for _, path := range args[1:] {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		format, err := codec.Sniff(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		data, err := codec.NormalizeJPEG(raw, format)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		ref, err := store.Enroll(cmd.Context(), identity, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", filepath.Base(path), ref.Locator)
	}
	return nil
}

func runRecognize(cmd *cobra.Command, args []string) error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := facedb.Open(cfg.FaceDB.Root)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	img, err := codec.DecodeRaw(raw)
	if err != nil {
		return err
	}

	cfg.Recognition.ReturnAnnotatedImage = annotatedOut != ""
	p, err := buildPipeline(cfg, store, nil)
	if err != nil {
		return err
	}
	defer p.backends.Close()

	result, err := p.processor.RecognizeImage(cmd.Context(), img, "cli")
	if err != nil {
		return err
	}

	if annotatedOut != "" && result.AnnotatedImage != "" {
		data, _, err := codec.DecodeBytes(result.AnnotatedImage)
		if err != nil {
			return err
		}
		if err := os.WriteFile(annotatedOut, data, 0644); err != nil {
			return err
		}
		result.AnnotatedImage = ""
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runList(cmd *cobra.Command, _ []string) error {
	store, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	users, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		fmt.Fprintf(out, "%s (%d)\n", name, len(users[name]))
		for _, ref := range users[name] {
			fmt.Fprintf(out, "  %s\n", ref.Filename)
		}
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	store, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	if len(args) == 2 {
		if err := store.RemoveReference(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
		return nil
	}
	if err := store.RemoveIdentity(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}
