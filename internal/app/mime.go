package app

import (
	"log"
	"mime"
)

// Some minimal containers ship without a system MIME table; the login
// page stylesheet then arrives as application/octet-stream.
func init() {
	if mime.TypeByExtension(".css") != "" {
		return
	}
	if err := mime.AddExtensionType(".css", "text/css; charset=utf-8"); err != nil {
		log.Printf("app: register css MIME type: %v", err)
	}
}
