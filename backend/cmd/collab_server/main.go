package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"eduCollab/backend/internal/cache"
	"eduCollab/backend/internal/collab"
	"eduCollab/backend/internal/httpapi/handlers"
	"eduCollab/backend/internal/httpapi/middleware"
	"eduCollab/backend/internal/store"
	"eduCollab/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// gorm 复用同一个连接池（会话/成员表），日志/操作/快照表走 database/sql
	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}

	sessionStore, err := store.NewGormSessionStore(gdb)
	if err != nil {
		log.Fatalf("Failed to init session store: %v", err)
	}
	operationStore, err := store.NewSQLOperationStore(db)
	if err != nil {
		log.Fatalf("Failed to init operation store: %v", err)
	}
	eventStore, err := store.NewSQLEventStore(db)
	if err != nil {
		log.Fatalf("Failed to init event store: %v", err)
	}
	snapshotStore, err := store.NewSQLSnapshotStore(db)
	if err != nil {
		log.Fatalf("Failed to init snapshot store: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(0)

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		eventStore,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub()
	// 事件双路：本地房间广播 + Kafka 跨实例投递
	relay := ws.NewFanoutRelay(hub, dispatcher)

	svc := collab.NewInMemoryService(collab.Deps{
		Sessions:   sessionStore,
		Operations: operationStore,
		Events:     eventStore,
		Snapshots:  snapshotStore,
		Presence:   presenceCache,
		Relay:      relay,
	})
	svc.StartAutoSave(context.Background())

	manager := ws.NewManager(hub, svc, wsSem)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	secret := []byte(cfg.Auth.JWTSecret)

	wsGroup := r.Group("/collab")
	wsGroup.Use(middleware.AuthMiddleware(secret))
	wsGroup.GET("/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(secret))
	handlers.NewSessionHandler(svc).Register(v1)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
