package commands

import (
	"fmt"
	"net/http"

	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/metrics"
)

func NewMetricsCommand() *cobra.Command {
	var listen string
	command := &cobra.Command{
		Use:   "metrics",
		Short: "Print TF Serving's Prometheus metrics, or serve them merged with the client's",
		RunE: func(cmd *cobra.Command, args []string) error {
			scraper, err := metrics.NewScraper(
				viper.GetString("serving.restAddress"),
				viper.GetString("metrics.path"),
				viper.GetDuration("metrics.timeout"))
			if err != nil {
				return err
			}

			if listen == "" {
				families, err := scraper.Scrape(cmd.Context())
				if err != nil {
					return err
				}
				for _, mf := range families {
					if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
						return err
					}
				}
				return nil
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(scraper))
			server := &http.Server{Addr: listen, Handler: mux}
			go func() {
				<-cmd.Context().Done()
				server.Close()
			}()
			log.Infof("Serving metrics on %s/metrics", listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		},
	}
	command.Flags().StringVar(&listen, "listen", "", "Serve /metrics on this address instead of printing once")
	return command
}
