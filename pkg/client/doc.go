/*
Package client provides the asynchronous-state cache engine behind a single
explicitly constructed facade.

The engine caches the results of caller-supplied asynchronous producers
under hierarchical keys, keeps that state fresh through deduplicated
background fetches, and pushes changes to subscribed observers. It is the
coordination layer between consumers and whatever transport actually
produces the data; the engine itself performs no I/O.

# Architecture

	┌─────────────────────────────────────────────┐
	│               Consumers                     │
	│   (Subscribe / Fetch / Mutate / Invalidate) │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Client                      │  ← This Package
	│     (lifecycle, defaults, wiring)           │
	└─────────────────────────────────────────────┘
	         │           │            │
	┌────────────┐ ┌───────────┐ ┌─────────────┐
	│   Fetch    │ │ Mutation  │ │ Invalidation│
	│Coordinator │ │Coordinator│ │  + GC sweep │
	│ dedup,     │ │ hooks,    │ │ prefix      │
	│ retry,     │ │ rollback, │ │ match,      │
	│ offline    │ │ offline   │ │ idle        │
	│ pause      │ │ queue     │ │ eviction    │
	└────────────┘ └───────────┘ └─────────────┘
	         │           │            │
	┌─────────────────────────────────────────────┐
	│               Entry Store                   │
	│  single source of truth; every write fans   │
	│  out synchronously to the key's observers   │
	└─────────────────────────────────────────────┘

# Usage

Construct, mount, and fetch:

	cfg := config.NewDefault()
	c, err := client.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Mount(); err != nil {
		log.Fatal(err)
	}
	defer c.Unmount()

	book, err := c.Fetch(ctx, key.New("book", "42"), fetchBook, client.FetchOptions{
		Options: types.Options{StaleTime: 30 * time.Second},
	})

Subscribe for live updates:

	sub, err := c.Subscribe(key.New("todos", "list"), fetchTodos,
		types.Options{StaleTime: 10 * time.Second},
		client.ObserveOptions{
			TrackFields: []string{types.FieldData, types.FieldError},
			OnChange: func(snap types.Snapshot) {
				render(snap)
			},
		})
	defer sub.Unsubscribe()

Optimistic mutation with rollback:

	_, err := c.Mutate(ctx, todo, client.MutateOptions{
		OnMutate: func(ctx context.Context, input any) (client.Rollback, error) {
			prev, _ := c.GetData(listKey)
			c.PauseFetches(key.New("todos"))
			c.SetData(listKey, withTodo(prev, input), types.Options{})
			return func() { c.SetData(listKey, prev, types.Options{}) }, nil
		},
		Fn: postTodo,
		OnSettled: func(ctx context.Context, result any, err error, input any) error {
			c.ResumeFetches(key.New("todos"))
			return c.Invalidate(ctx, key.New("todos"), true)
		},
	})

# Offline behavior

Connectivity is an explicit flag (SetOnline); there is no environment
probing. While offline, fetches in the default "online" network mode park
in the paused state and resume automatically on reconnect; mutations queue
and replay in their original issue order.

# Freshness model

Entries serve stale data while revalidating: a failed refetch records the
error next to the previous data rather than clearing it. StaleTime governs
when a read triggers a refetch, GCTime how long an unobserved entry
survives before the sweeper evicts it.
*/
package client
