package filtertest_test

import (
	"fmt"
	"log"
	"net/http"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filters/builtin"
	"github.com/allegro/zuul-go/filters/filtertest"
)

func ExampleFilter() {
	authenticated := &filtertest.Filter{
		FilterName:  "authenticated",
		FilterPhase: filters.Pre,
		FShouldRun: func(ctx filters.FilterContext) bool {
			return ctx.Request().Header.Get("Authorization") != ""
		},
		FRun: func(ctx filters.FilterContext) error {
			ctx.StateBag()["authenticated"] = true
			return nil
		},
	}

	r, _ := http.NewRequest("GET", "https://www.example.org", nil)
	r.Header.Set("Authorization", "Bearer token")
	ctx := filtertest.NewContext(r)
	if authenticated.ShouldRun(ctx) {
		if err := authenticated.Run(ctx); err != nil {
			log.Fatal(err)
		}
	}

	fmt.Println(ctx.StateBag()["authenticated"])

	// Output:
	// true
}

func ExampleContext() {
	spec := builtin.NewSetResponseHeader()
	f, err := spec.CreateFilter([]any{"X-Served-By", "zuul"})
	if err != nil {
		log.Fatal(err)
	}

	r, _ := http.NewRequest("GET", "https://www.example.org", nil)
	ctx := filtertest.NewContext(r)
	if err := f.Run(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println(ctx.Response().Header.Get("X-Served-By"))

	// Output:
	// zuul
}
