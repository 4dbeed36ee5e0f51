package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/pypottery/lens/pkg/api"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		host        string
		port        int
		uploadLimit int64
		showQR      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("host") {
				host = a.cfg.Server.Host
			}
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Server.Port
			}
			addr := net.JoinHostPort(host, strconv.Itoa(port))

			srv := api.New(a.store, a.pipeline(),
				api.WithLogger(a.log),
				api.WithUploadLimit(uploadLimit),
			)
			url := "http://" + addr
			fmt.Fprintf(a.err, "Serving %s on %s\n", a.store.Root, url)
			if showQR {
				q, err := qrcode.New(url, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("qr code: %w", err)
				}
				fmt.Fprint(a.err, q.ToSmallString(false))
			}
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print the server URL as a QR code")
	cmd.Flags().Int64Var(&uploadLimit, "upload-limit", api.DefaultUploadLimit, "maximum PDF upload size in bytes")
	return cmd
}
