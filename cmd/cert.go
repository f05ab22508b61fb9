package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seclab/seclab/internal/mitm"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the MITM root CA",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new root CA and print it as base64-encoded PKCS#12",
	RunE:  runCertGenerate,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the root CA certificate in PEM format",
	Long:  "Export the root CA certificate in PEM format, read from --p12-base64 or from the CA directory.",
	RunE:  runCertExport,
}

var (
	certPassphrase string
	certP12Base64  string
	certOutputFile string
	certSaveDir    string
	certDir        string
)

func init() {
	certGenerateCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certGenerateCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")
	certGenerateCmd.Flags().StringVar(&certSaveDir, "ca-dir", "", "Also save the CA key pair into this directory")

	certExportCmd.Flags().StringVar(&certP12Base64, "p12-base64", "", "Base64-encoded PKCS#12 bundle")
	certExportCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 bundle")
	certExportCmd.Flags().StringVar(&certDir, "ca-dir", "data/mitm-ca", "CA directory used when no bundle is given")
	certExportCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")

	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certExportCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	ca, err := mitm.GenerateCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	p12Base64, err := ca.EncodeP12(certPassphrase)
	if err != nil {
		return fmt.Errorf("failed to encode CA as PKCS#12: %w", err)
	}
	// stdout carries only the bundle so it can be piped into SECLAB_MITM_CA_P12
	fmt.Println(p12Base64)

	if certSaveDir != "" {
		if err := ca.Save(certSaveDir); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
		fmt.Fprintf(os.Stderr, "CA saved to %s\n", certSaveDir)
	}
	if certOutputFile != "" {
		return writePEM(ca.CertPEM())
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	var (
		ca  *mitm.CA
		err error
	)
	if certP12Base64 != "" {
		ca, err = mitm.DecodeP12(certP12Base64, certPassphrase)
		if err != nil {
			return fmt.Errorf("failed to decode PKCS#12: %w", err)
		}
	} else {
		ca, err = mitm.LoadCAFromDir(certDir)
		if err != nil {
			return fmt.Errorf("failed to load CA from %s: %w", certDir, err)
		}
	}

	pemData := ca.CertPEM()
	if certOutputFile != "" {
		return writePEM(pemData)
	}
	fmt.Print(string(pemData))
	return nil
}

func writePEM(pemData []byte) error {
	if err := os.WriteFile(certOutputFile, pemData, 0644); err != nil {
		return fmt.Errorf("failed to write PEM file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "PEM certificate written to %s\n", certOutputFile)
	return nil
}
