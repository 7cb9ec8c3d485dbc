// Package cli реализует инструмент командной строки courier.
//
// # Обзор
//
// courier — минимальный клиент RabbitMQ: отправляет сообщение в очередь
// или слушает очередь и печатает полученные сообщения.
//
// # Ключевые компоненты
//
// ## Root
//
// NewRootCmd собирает cobra-команду с общими флагами. Конфигурация
// (флаги, переменные окружения, файл) читается через viper в
// PersistentPreRunE, после парсинга флагов подкоманды.
//
//	root := cli.NewRootCmd(version, nil, os.Stdout)
//	err := root.ExecuteContext(ctx)
//
// ## Env
//
// Зависимости команд: итоговая конфигурация, Prometheus registry
// и Dialer. Логгер кладётся в контекст команды (telemetry.WithLogger)
// и читается через telemetry.FromContext. Env.Open открывает соединение
// и при недоступном брокере пишет подсказку с адресом.
//
// Отмена контекста (SIGINT/SIGTERM) на любом этапе, включая подключение,
// завершает команду без ошибки.
//
// ## Commands
//
//   - emit [MESSAGE] — объявляет очередь, публикует сообщение, закрывает соединение
//   - listen — объявляет очередь и печатает сообщения до SIGINT/SIGTERM
//
// Каждая команда создаётся фабричной функцией, принимающей envFn —
// замыкание, возвращающее Env после загрузки конфигурации.
package cli
