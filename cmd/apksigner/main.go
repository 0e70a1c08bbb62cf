// Command apksigner signs an APK with the legacy JAR (v1) scheme and APK
// Signature Scheme v2, in place.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timfenton/apksign"
)

var (
	verbose    bool
	outFile    string
	pemFile    string
	builtin    bool
	certOutput string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "apksigner",
		Short: "Sign APKs with the JAR v1 scheme and APK Signature Scheme v2",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log each step")
	root.AddCommand(signCmd(), generateCertCmd())
	return root
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <apk>",
		Short: "Sign an APK in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			if outFile != "" {
				if err := copyFile(path, outFile); err != nil {
					return err
				}
				path = outFile
			}

			apksign.Logger = newLogger(verbose)

			known, err := apksign.CollectPrePatchHashes(path)
			if err != nil {
				return err
			}

			if builtin {
				return apksign.SignAPKWithBuiltinCert(path, known)
			}
			if pemFile == "" {
				return fmt.Errorf("apksigner: --pem is required unless --builtin-cert is set")
			}
			pemText, err := os.ReadFile(pemFile)
			if err != nil {
				return err
			}
			return apksign.SignAPK(path, string(pemText), known)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the signed APK to a new path instead of signing in place")
	cmd.Flags().StringVarP(&pemFile, "pem", "p", "", "PEM file containing the signing certificate and private key")
	cmd.Flags().BoolVar(&builtin, "builtin-cert", false, "sign with a generated, process-lifetime self-signed certificate")
	return cmd
}

func generateCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-cert",
		Short: "Generate a fresh self-signed certificate/key pair as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pemText, err := apksign.GenerateNewCertificatePEM()
			if err != nil {
				return err
			}
			if certOutput == "" {
				fmt.Print(pemText)
				return nil
			}
			return os.WriteFile(certOutput, []byte(pemText), 0o600)
		},
	}
	cmd.Flags().StringVarP(&certOutput, "out", "o", "", "write the PEM to a file instead of stdout")
	return cmd
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	if !verbose {
		log.SetOutput(io.Discard)
	}
	return log
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
