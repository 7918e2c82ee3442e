// Package i18n holds the user-facing status strings of the installer.
// Keys are the English format strings; other locales are registered in the
// default x/text catalog at init.
package i18n

import (
	"log/slog"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys.
const (
	MsgReady              = "Ready to install"
	MsgChecking           = "Checking for %s..."
	MsgAlreadyInstalled   = "%s is already installed"
	MsgMissing            = "%s not found, download required"
	MsgDownloading        = "Downloading %s..."
	MsgDownloadProgress   = "Downloading: %s / %s"
	MsgDownloadBytes      = "Downloading: %s"
	MsgDownloadDone       = "Download completed"
	MsgInstalling         = "Installing %s..."
	MsgInstallRunning     = "Installation in progress..."
	MsgInstallFinished    = "Installation finished"
	MsgInstallRestart     = "Installation finished: %s"
	MsgVerifying          = "Verifying %s installation..."
	MsgConfigured         = "%s configured correctly"
	MsgExtracting         = "Extracting files..."
	MsgExtractingEntry    = "Extracting: %s"
	MsgExtractDone        = "Extraction completed"
	MsgShortcuts          = "Creating shortcuts..."
	MsgCompleted          = "Installation completed!"
	MsgErrDownload        = "Error while downloading %s"
	MsgErrInstall         = "Error while installing %s (exit code: %s)"
	MsgErrInstallNoCode   = "Error while installing %s"
	MsgErrConfigure       = "Unable to configure %s"
	MsgErrExtract         = "Error while extracting %s"
	MsgErrCancelled       = "Installation cancelled"
	MsgErrUnexpected      = "Unexpected error during installation"
	MsgErrorPrefix        = "Error: %s"
	MsgRetryPrompt        = "Retry installation? [y/N] "
	MsgInstalledInto      = "Installed into %s"
	MsgPrerequisiteTarget = "Download target: %s"

	MsgRestartRequired  = "restart required"
	MsgRestartInitiated = "restart initiated"
	MsgAlreadySatisfied = "a compatible version is already installed"
)

var italian = map[string]string{
	MsgReady:              "Pronto per l'installazione",
	MsgChecking:           "Controllo presenza %s...",
	MsgAlreadyInstalled:   "%s già installato",
	MsgMissing:            "%s non trovato, download necessario",
	MsgDownloading:        "Download %s in corso...",
	MsgDownloadProgress:   "Download in corso: %s / %s",
	MsgDownloadBytes:      "Download in corso: %s",
	MsgDownloadDone:       "Download completato",
	MsgInstalling:         "Installazione %s...",
	MsgInstallRunning:     "Installazione in corso...",
	MsgInstallFinished:    "Installazione completata",
	MsgInstallRestart:     "Installazione completata: %s",
	MsgVerifying:          "Verifica installazione %s...",
	MsgConfigured:         "%s configurato correttamente",
	MsgExtracting:         "Estrazione files in corso...",
	MsgExtractingEntry:    "Estrazione: %s",
	MsgExtractDone:        "Estrazione completata",
	MsgShortcuts:          "Creazione collegamenti...",
	MsgCompleted:          "Installazione completata!",
	MsgErrDownload:        "Errore durante il download di %s",
	MsgErrInstall:         "Errore durante l'installazione di %s (exit code: %s)",
	MsgErrInstallNoCode:   "Errore durante l'installazione di %s",
	MsgErrConfigure:       "Impossibile configurare %s",
	MsgErrExtract:         "Errore durante l'estrazione di %s",
	MsgErrCancelled:       "Installazione annullata",
	MsgErrUnexpected:      "Errore imprevisto durante l'installazione",
	MsgErrorPrefix:        "Errore: %s",
	MsgRetryPrompt:        "Riprovare l'installazione? [s/N] ",
	MsgInstalledInto:      "Installato in %s",
	MsgPrerequisiteTarget: "Destinazione download: %s",
	MsgRestartRequired:    "riavvio necessario",
	MsgRestartInitiated:   "riavvio avviato",
	MsgAlreadySatisfied:   "una versione compatibile è già installata",
}

func init() {
	for key, msg := range italian {
		if err := message.SetString(language.Italian, key, msg); err != nil {
			slog.Error("i18n_register_failed", "key", key, "error", err)
		}
	}
}

// Printer formats catalog messages for one locale. The zero value is not
// usable; call New.
type Printer struct {
	tag language.Tag
	p   *message.Printer
}

// New returns a printer for locale. Unknown or unsupported locales fall back
// to English.
func New(locale string) *Printer {
	tag := Resolve(locale)
	return &Printer{tag: tag, p: message.NewPrinter(tag)}
}

// Resolve maps a BCP 47 locale string to one of the supported languages.
func Resolve(locale string) language.Tag {
	parsed, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	if base, _ := parsed.Base(); base.String() == "it" {
		return language.Italian
	}
	return language.English
}

// Tag returns the resolved language.
func (p *Printer) Tag() language.Tag {
	return p.tag
}

// Sprintf formats the message registered under key. Numeric arguments are
// localised by x/text (digit grouping), so pass codes and identifiers as
// strings.
func (p *Printer) Sprintf(key string, args ...any) string {
	return p.p.Sprintf(key, args...)
}
