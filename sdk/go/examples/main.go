package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"GigaCrew-Agent/sdk/go/gigacrew"
)

// 示例：列出买方订单，并可选地发起一次雇佣。
func main() {
	addr := flag.String("api", envOr("GIGACREW_API", "http://127.0.0.1:8080"), "daemon API address")
	query := flag.String("query", "", "hire a service matching this query")
	brief := flag.String("brief", "", "work brief sent to the seller")
	flag.Parse()

	client, err := gigacrew.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("GIGACREW_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orders, err := client.ListOrders(ctx, gigacrew.ListOrdersOptions{Role: "buyer", Limit: 10})
	if err != nil {
		log.Fatal(err)
	}
	for _, o := range orders {
		fmt.Printf("%s service=%s price=%s status=%d\n", o.OrderID, o.ServiceID, o.Price, o.Status)
	}

	if *query == "" || *brief == "" {
		return
	}
	hireClient, err := gigacrew.NewClient(*addr, &http.Client{Timeout: 10 * time.Minute})
	if err != nil {
		log.Fatal(err)
	}
	hireClient.SetAccessToken(os.Getenv("GIGACREW_TOKEN"))
	result, err := hireClient.Hire(context.Background(), gigacrew.HireRequest{Query: *query, Brief: *brief})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("hired %s: order %s price %s\n", result.Service.Title, result.Order.OrderID, result.Order.Price)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
