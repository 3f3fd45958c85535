package main

import (
	"context"

	"github.com/OFFIS-RIT/tabgraph/internal/queue"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"

	"github.com/spf13/cobra"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run recipes requested on the run queue",
		Long: `Consume run requests from RabbitMQ (AMQP_URL) one at a time. A request
names a recipe path and optional overrides:

  {"recipe": "datasets/ec_meetings.yml", "chunk_size": 500, "aggregate": true}

Failed runs are retried through run_queue_retry and moved to run_queue_dlq
after too many attempts. Cached stages make a retry resume where the
previous attempt stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := queue.Dial(a.settings.AMQPURL, a.settings.AMQPExchange)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SetupQueues(queue.RunQueue); err != nil {
				return err
			}
			return client.Consume(cmd.Context(), queue.RunQueue, func(ctx context.Context, body []byte) error {
				msg, err := queue.ParseRunMessage(body)
				if err != nil {
					return err
				}
				opts := config.Options{ChunkSize: msg.ChunkSize, Aggregate: msg.Aggregate}
				result, err := a.runRecipe(ctx, msg.Recipe, opts, client)
				if result != nil {
					logger.Info("Run finished",
						"dataset", result.Dataset,
						"run_id", result.RunID,
						"state", result.State,
						"entities", result.Stats.EntityCount,
					)
				}
				return err
			})
		},
	}
}
