package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// queue is a topic and its subscription, both named after the queue
type queue struct {
	name        string
	ackDeadline time.Duration
}

func main() {
	ctx := context.Background()

	projectID := flag.String("project", "copernicus-emulator", "emulator project")
	host := flag.String("host", "localhost:8085", "emulator host")
	jobQueue := flag.String("job-queue", "copernicus-downloader-jobs", "queue of the download jobs")
	eventQueue := flag.String("event-queue", "copernicus-downloader-events", "queue of the job results")
	flag.Parse()

	os.Setenv("PUBSUB_EMULATOR_HOST", *host)

	log.Print("New client for project " + *projectID)
	client, err := pubsub.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatalf("pubsub.NewClient: %v", err)
	}
	defer client.Close()

	// Downloading a product may take a while: the consumer extends the deadline of the job
	for _, q := range []queue{{*jobQueue, 60 * time.Second}, {*eventQueue, 10 * time.Second}} {
		log.Print("Create Topic : " + q.name)
		topic, err := client.CreateTopic(ctx, q.name)
		if err != nil {
			if status.Code(err) != codes.AlreadyExists {
				log.Fatalf("pubsub.CreateTopic: %v", err)
			}
			topic = client.Topic(q.name)
		}

		log.Print("Create Subscription : " + q.name)
		if _, err = client.CreateSubscription(ctx, q.name, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: q.ackDeadline,
		}); err != nil && status.Code(err) != codes.AlreadyExists {
			log.Fatalf("CreateSubscription: %v", err)
		}
	}

	log.Print("Done!")
}
